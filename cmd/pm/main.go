package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/luxeledgerweb-netizen/dec-sub001/auth"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/config"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/db"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/lock"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/logger"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/service"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/vault"
	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
	"github.com/luxeledgerweb-netizen/dec-sub001/store"
)

const cliVersion = "0.2.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println(cliVersion)
	case "init":
		err = runInit(ctx, os.Args[2:])
	case "passwd":
		err = runPasswd(ctx, os.Args[2:])
	case "session":
		err = runSession(ctx, os.Args[2:])
	case "wipe":
		err = runWipe(ctx, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		stop()
		handleError(err)
	}
}

func handleError(err error) {
	if err == nil {
		return
	}

	if msg, ok := userMessage(err); ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
	os.Exit(2)
}

// userMessage maps expected failures to a message for the user. Everything
// else is unexpected.
func userMessage(err error) (string, bool) {
	var (
		uerr    userError
		wrong   *lock.WrongPasswordError
		out     *lock.LockedOutError
		aborted *service.ReencryptionAbortedError
	)
	switch {
	case errors.As(err, &uerr):
		return uerr.Error(), true
	case errors.As(err, &out):
		return fmt.Sprintf("too many failed attempts; try again in %ds", out.RemainingSeconds()), true
	case errors.As(err, &wrong):
		return fmt.Sprintf("wrong password (%d attempt(s) left)", wrong.RemainingAttempts), true
	case errors.As(err, &aborted):
		return fmt.Sprintf("password not changed, vault left as it was: %v", aborted.Err), true
	case errors.Is(err, service.ErrWrongPassword):
		return "wrong password", true
	case errors.Is(err, service.ErrNotInitialised):
		return "vault not found; run pm init first", true
	case errors.Is(err, service.ErrAlreadyInitialised):
		return "vault already initialised", true
	case errors.Is(err, service.ErrLocked):
		return "vault is locked; run unlock", true
	case errors.Is(err, auth.ErrWeakPassword):
		return err.Error(), true
	case errors.Is(err, vault.ErrWrongPassphraseOrCorruptData):
		return "record could not be decrypted (corrupt data)", true
	case errors.Is(err, vault.ErrMalformedPayload):
		return "record is malformed", true
	case errors.Is(err, db.ErrNotFound):
		return "no such record", true
	case errors.Is(err, context.Canceled):
		return "interrupted", true
	}
	return "", false
}

type app struct {
	opts *config.Options
	log  *zap.Logger
	db   *db.DB
	svc  *service.Service
}

func openApp(name string, args []string) (*app, []string, error) {
	opts, rest, err := config.Parse(name, args)
	if err != nil {
		return nil, nil, userError{msg: err.Error()}
	}

	l := logger.New()
	if err := l.Init(opts.LogLevel); err != nil {
		return nil, nil, userError{msg: err.Error()}
	}

	params, err := opts.EncryptionParameters()
	if err != nil {
		return nil, nil, userError{msg: fmt.Sprintf("invalid encryption settings: %v", err)}
	}

	database, err := db.Open(opts.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open vault database: %w", err)
	}

	l.Log.Debug("vault database opened", zap.String("path", database.Path()))

	svc := service.New(
		store.NewFileConfigStore(opts.Dir),
		database,
		service.WithLogger(l.Log),
		service.WithEncryptionParameters(params),
		service.WithLockTimeout(opts.LockTimeout),
		service.WithPasswordPolicy(auth.ValidateMasterPassword),
	)
	return &app{opts: opts, log: l.Log, db: database, svc: svc}, rest, nil
}

func (a *app) Close() {
	a.svc.Close()
	_ = db.Close(a.db)
	_ = a.log.Sync()
}

func runInit(ctx context.Context, args []string) error {
	a, rest, err := openApp("init", args)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(rest) > 1 {
		return userError{msg: "usage: pm init [name]"}
	}
	name := filepath.Base(a.opts.Dir)
	if len(rest) == 1 {
		name = rest[0]
	}

	pw, err := promptNewPassword("Master password (empty for none): ", "Confirm master password: ")
	if err != nil {
		return err
	}
	defer krypto.Wipe(pw)

	if err := a.checkNewPassword(ctx, pw, name); err != nil {
		return err
	}

	cfg, err := a.svc.Create(ctx, name, string(pw))
	if err != nil {
		return err
	}
	if !cfg.HasPassword {
		fmt.Fprintln(os.Stderr, "warning: vault has no password; records are encrypted under an empty passphrase")
	}
	fmt.Printf("vault %q created (id %s)\n", cfg.Name, cfg.ID)
	return nil
}

// checkNewPassword prints a strength estimate and, when enabled, rejects
// passwords found in the breach corpus. An unreachable corpus only warns.
func (a *app) checkNewPassword(ctx context.Context, pw []byte, userInputs ...string) error {
	if len(pw) == 0 {
		return nil
	}

	s := auth.CheckStrength(string(pw), userInputs...)
	fmt.Fprintf(os.Stderr, "password strength: %d/4 (crack time %s)\n", s.Score, s.CrackTimeDisplay)

	if !a.opts.BreachCheck {
		return nil
	}
	res, err := auth.NewBreachChecker().Check(ctx, string(pw))
	if err != nil {
		a.log.Warn("breach check failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "warning: breach check unavailable")
		return nil
	}
	if res.Found {
		return userError{msg: fmt.Sprintf("password appears in %d known breaches; choose another", res.Count)}
	}
	return nil
}

func runPasswd(ctx context.Context, args []string) error {
	a, rest, err := openApp("passwd", args)
	if err != nil {
		return err
	}
	defer a.Close()
	if len(rest) != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	cfg, err := a.svc.Open(ctx)
	if err != nil {
		return err
	}

	var oldPw []byte
	if cfg.HasPassword {
		if oldPw, err = a.unlockInteractive(ctx, "Current master password: "); err != nil {
			return err
		}
		defer krypto.Wipe(oldPw)
	}

	newPw, err := promptNewPassword("New master password (empty to remove): ", "Confirm new master password: ")
	if err != nil {
		return err
	}
	defer krypto.Wipe(newPw)
	if err := a.checkNewPassword(ctx, newPw, cfg.Name); err != nil {
		return err
	}

	if err := <-a.svc.ChangePasswordAsync(ctx, string(oldPw), string(newPw)); err != nil {
		return err
	}
	fmt.Println("master password changed; all records re-encrypted")
	return nil
}

func runWipe(ctx context.Context, args []string) error {
	a, rest, err := openApp("wipe", args)
	if err != nil {
		return err
	}
	defer a.Close()
	if len(rest) != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	cfg, err := a.svc.Open(ctx)
	if err != nil {
		return err
	}
	if cfg.HasPassword {
		pw, err := a.unlockInteractive(ctx, "Master password: ")
		if err != nil {
			return err
		}
		krypto.Wipe(pw)
	}

	fmt.Fprintf(os.Stderr, "Type the vault name (%s) to delete every record: ", cfg.Name)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(line) != cfg.Name {
		return userError{msg: "confirmation did not match; nothing deleted"}
	}

	if err := a.svc.Wipe(ctx); err != nil {
		return err
	}
	fmt.Println("vault wiped")
	return nil
}

func runSession(ctx context.Context, args []string) error {
	a, rest, err := openApp("session", args)
	if err != nil {
		return err
	}
	defer a.Close()
	if len(rest) != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	cfg, err := a.svc.Open(ctx)
	if err != nil {
		return err
	}
	if cfg.HasPassword {
		pw, err := a.unlockInteractive(ctx, "Master password: ")
		if err != nil {
			return err
		}
		krypto.Wipe(pw)
	}

	fmt.Println("session unlocked; type 'help' for commands")
	return a.sessionLoop(ctx)
}

// unlockInteractive prompts until the vault unlocks, returning the accepted
// password. A lockout ends the prompt.
func (a *app) unlockInteractive(ctx context.Context, prompt string) ([]byte, error) {
	for {
		pw, err := promptPassword(prompt)
		if err != nil {
			return nil, fmt.Errorf("read master password: %w", err)
		}

		_, err = a.svc.Unlock(ctx, string(pw))
		if err == nil {
			return pw, nil
		}
		krypto.Wipe(pw)

		var wrong *lock.WrongPasswordError
		if !errors.As(err, &wrong) {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "wrong password (%d attempt(s) left)\n", wrong.RemainingAttempts)
	}
}

func (a *app) sessionLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("pm> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Println()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		locked, err := a.svc.CheckTimeout(ctx)
		if err != nil {
			handleSessionError(err)
		}
		if locked {
			fmt.Fprintln(os.Stderr, "vault auto-locked after inactivity")
		}

		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case "help":
			printSessionHelp()
		case "put-text":
			handleSessionError(a.sessionPutText(ctx, args))
		case "get-text":
			handleSessionError(a.sessionGetText(ctx, args))
		case "put-file":
			handleSessionError(a.sessionPutFile(ctx, args))
		case "get-file":
			handleSessionError(a.sessionGetFile(ctx, args))
		case "list":
			handleSessionError(a.sessionList(ctx))
		case "delete":
			handleSessionError(a.sessionDelete(ctx, args))
		case "lock":
			if err := a.svc.Lock(ctx); err != nil {
				handleSessionError(err)
				continue
			}
			fmt.Println("vault locked")
		case "unlock":
			if a.svc.State() == lock.Unlocked {
				fmt.Println("vault already unlocked")
				continue
			}
			pw, err := a.unlockInteractive(ctx, "Master password: ")
			if err != nil {
				handleSessionError(err)
				continue
			}
			krypto.Wipe(pw)
			fmt.Println("vault unlocked")
		case "timeout":
			handleSessionError(a.sessionTimeout(ctx, args))
		case "status":
			a.sessionStatus()
		case "exit", "quit":
			return nil
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		}
	}
}

func (a *app) sessionPutText(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: put-text <name>"}
	}

	secret, err := promptNewPassword("Secret: ", "Confirm: ")
	if err != nil {
		return err
	}
	defer krypto.Wipe(secret)

	if err := a.svc.PutText(ctx, args[0], string(secret)); err != nil {
		return err
	}
	fmt.Printf("stored %s\n", args[0])
	return nil
}

func (a *app) sessionGetText(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: get-text <name>"}
	}
	text, err := a.svc.GetText(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", args[0], text)
	return nil
}

func (a *app) sessionPutFile(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return userError{msg: "usage: put-file <name> <path> [mime-type]"}
	}

	data, err := os.ReadFile(args[1])
	if err != nil {
		return userError{msg: fmt.Sprintf("read %s: %v", args[1], err)}
	}
	defer krypto.Wipe(data)

	mimeType := mime.TypeByExtension(filepath.Ext(args[1]))
	if len(args) == 3 {
		mimeType = args[2]
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	f := service.File{Name: filepath.Base(args[1]), MimeType: mimeType, Data: data}
	if err := a.svc.PutFile(ctx, args[0], f); err != nil {
		return err
	}
	fmt.Printf("stored %s (%s, %d bytes)\n", args[0], mimeType, len(data))
	return nil
}

func (a *app) sessionGetFile(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return userError{msg: "usage: get-file <name> [out-path]"}
	}

	f, err := a.svc.GetFile(ctx, args[0])
	if err != nil {
		return err
	}
	defer krypto.Wipe(f.Data)

	out := f.Name
	if len(args) == 2 {
		out = args[1]
	}
	if out == "" {
		return userError{msg: "record has no file name; pass an output path"}
	}
	if _, err := os.Stat(out); err == nil {
		return userError{msg: fmt.Sprintf("%s already exists", out)}
	}
	if err := os.WriteFile(out, f.Data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("wrote %s (%s, %d bytes)\n", out, f.MimeType, len(f.Data))
	return nil
}

func (a *app) sessionList(ctx context.Context) error {
	names, err := a.svc.Keys(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("(no records)")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func (a *app) sessionDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: delete <name>"}
	}
	if err := a.svc.DeleteRecord(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func (a *app) sessionTimeout(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: timeout <duration, e.g. 5m or 0 to disable>"}
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return userError{msg: fmt.Sprintf("invalid duration %q", args[0])}
	}
	if err := a.svc.SetLockTimeout(ctx, d); err != nil {
		return err
	}
	fmt.Printf("lock timeout set to %s\n", d)
	return nil
}

func (a *app) sessionStatus() {
	fmt.Printf("state: %s\n", a.svc.State())
	if until := a.svc.LockedUntil(); !until.IsZero() {
		fmt.Printf("locked out until: %s\n", until.Format(time.RFC3339))
	}
	if cfg, err := a.svc.Config(); err == nil {
		fmt.Printf("vault: %s (%s)\n", cfg.Name, cfg.ID)
		fmt.Printf("lock timeout: %s\n", cfg.LockTimeout())
		fmt.Printf("last accessed: %s\n", cfg.LastAccessedAt.Format(time.RFC3339))
	}
}

func handleSessionError(err error) {
	if err == nil {
		return
	}
	if msg, ok := userMessage(err); ok {
		fmt.Fprintln(os.Stderr, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func promptNewPassword(prompt, confirmPrompt string) ([]byte, error) {
	pw, err := promptPassword(prompt)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	confirm, err := promptPassword(confirmPrompt)
	if err != nil {
		krypto.Wipe(pw)
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer krypto.Wipe(confirm)

	if !bytes.Equal(pw, confirm) {
		krypto.Wipe(pw)
		return nil, userError{msg: "passwords do not match"}
	}
	return pw, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pm <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  version")
	fmt.Fprintln(os.Stderr, "  init [name]   create a vault")
	fmt.Fprintln(os.Stderr, "  passwd        change the master password")
	fmt.Fprintln(os.Stderr, "  session       unlock and run commands interactively")
	fmt.Fprintln(os.Stderr, "  wipe          delete every record and the vault config")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -d, --dir <vault-dir>   --db <path>   -c, --config <file>")
	fmt.Fprintln(os.Stderr, "  --lock-timeout <dur>    --kdf <name>  --mode <name>  --iterations <n>")
	fmt.Fprintln(os.Stderr, "  --log-level <level>     --breach-check")
}

func printSessionHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put-text <name>")
	fmt.Println("  get-text <name>")
	fmt.Println("  put-file <name> <path> [mime-type]")
	fmt.Println("  get-file <name> [out-path]")
	fmt.Println("  list")
	fmt.Println("  delete <name>")
	fmt.Println("  lock | unlock")
	fmt.Println("  timeout <duration>")
	fmt.Println("  status")
	fmt.Println("  exit | quit")
}

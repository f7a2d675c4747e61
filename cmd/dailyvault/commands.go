package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/gateway"
	"dailyvault/internal/keyring"
	"dailyvault/internal/syncengine"
	"dailyvault/internal/websocket"
	"dailyvault/pkg/crypto"

	"github.com/spf13/cobra"
)

var cloudUnlockFlag bool

func init() {
	unlockCmd.Flags().BoolVar(&cloudUnlockFlag, "cloud", false, "unlock the account keyring on the server")
}

// withApp opens the client for the length of one command.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

// parseDate accepts DD-MM-YYYY, "today" and "yesterday".
func parseDate(arg string) (string, error) {
	switch strings.ToLower(arg) {
	case "today":
		return domain.FormatDate(time.Now()), nil
	case "yesterday":
		return domain.FormatDate(time.Now().AddDate(0, 0, -1)), nil
	}
	if err := domain.ValidateDate(arg); err != nil {
		return "", err
	}
	return arg, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault on this device",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		exists, err := a.vault.Exists()
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("a vault already exists in %s", a.cfg.DataDir)
		}

		password, err := readNewPassword("New vault password: ")
		if err != nil {
			return err
		}
		dek, err := a.vault.Create(ctx, password, nil)
		if err != nil {
			return err
		}
		crypto.Zero(dek)

		fmt.Printf("Vault created in %s\n", a.cfg.DataDir)
		return nil
	}),
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check the vault password and enable password-less unlock on this device",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if !cloudUnlockFlag {
			if err := a.unlock(ctx); err != nil {
				return err
			}
			fmt.Println("Vault unlocked")
			return nil
		}

		if !a.probe(ctx) {
			return fmt.Errorf("server %s is unreachable or you are not logged in", a.cfg.ServerURL)
		}
		if err := a.unlockLocalIfPresent(ctx); err != nil {
			return err
		}
		password, err := readPassword("Account password: ")
		if err != nil {
			return err
		}
		res, err := a.unlockCloud(ctx, password)
		if err != nil {
			return err
		}
		printKeyring(res)
		return nil
	}),
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the password protecting the local vault",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		current, err := readPassword("Current password: ")
		if err != nil {
			return err
		}
		dek, err := a.vault.UnlockWithPassword(ctx, current)
		if err != nil {
			return err
		}
		defer crypto.Zero(dek)

		next, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}
		if err := a.vault.UpdatePasswordWrappedKey(ctx, dek, next, nil); err != nil {
			return err
		}
		fmt.Println("Vault password changed")
		return nil
	}),
}

var writeCmd = &cobra.Command{
	Use:   "write <date> [text...]",
	Short: "Write the note for a day, reading stdin when no text is given",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		date, err := parseDate(args[0])
		if err != nil {
			return err
		}

		var content string
		if len(args) == 1 || (len(args) == 2 && args[1] == "-") {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read note from stdin: %w", err)
			}
			content = string(data)
		} else {
			content = strings.Join(args[1:], " ")
		}

		if err := a.unlock(ctx); err != nil {
			return err
		}
		if err := a.notes.Set(ctx, date, content); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", date)

		if res, ok := a.syncIfOnline(ctx); ok {
			printResult(res)
		}
		return nil
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <date>",
	Short: "Delete the note for a day",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		date, err := parseDate(args[0])
		if err != nil {
			return err
		}
		if err := a.unlock(ctx); err != nil {
			return err
		}
		if err := a.notes.Set(ctx, date, ""); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", date)

		if res, ok := a.syncIfOnline(ctx); ok {
			printResult(res)
		}
		return nil
	}),
}

var readCmd = &cobra.Command{
	Use:   "read <date>",
	Short: "Print the note for a day",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		date, err := parseDate(args[0])
		if err != nil {
			return err
		}
		if err := a.unlock(ctx); err != nil {
			return err
		}
		if res, ok := a.syncIfOnline(ctx); ok && res.PullErr != nil {
			a.log.WithError(res.PullErr).Warn("showing local copy")
		}

		content, err := a.notes.Get(ctx, date)
		if errors.Is(err, domain.ErrNoteNotFound) {
			fmt.Fprintf(os.Stderr, "No note for %s\n", date)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(content)
		return nil
	}),
}

var datesCmd = &cobra.Command{
	Use:   "dates [year]",
	Short: "List the days that have a note",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		year := 0
		if len(args) == 1 {
			y, err := strconv.Atoi(args[0])
			if err != nil || y < 1 {
				return fmt.Errorf("invalid year %q", args[0])
			}
			year = y
		}

		var dates []string
		var err error
		if a.probe(ctx) {
			dates, err = a.syncer().RefreshDates(ctx, year)
		} else {
			dates, err = a.notes.Dates(ctx, year)
		}
		if err != nil {
			return err
		}
		for _, d := range dates {
			fmt.Println(d)
		}
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and pull remote ones",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if !a.signedIn() {
			return gateway.ErrNotSignedIn
		}
		res, ok := a.syncIfOnline(ctx)
		if !ok {
			return fmt.Errorf("server %s is unreachable", a.cfg.ServerURL)
		}
		printResult(res)
		if len(res.Failed) > 0 || res.PullErr != nil {
			return errors.New("sync finished with errors")
		}
		return nil
	}),
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing in the foreground until interrupted",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if !a.signedIn() {
			return gateway.ErrNotSignedIn
		}
		engine := a.syncer()

		go a.monitor.Watch(ctx, a.cfg.SyncInterval, a.gateway.Ping)
		go engine.Run(ctx)

		statuses, stop := engine.Subscribe()
		defer stop()
		go func() {
			for st := range statuses {
				line := fmt.Sprintf("%s  %s  pending=%d", time.Now().Format(time.TimeOnly), st.Phase, st.Pending)
				if st.LastError != "" {
					line += "  error=" + st.LastError
				}
				fmt.Println(line)
			}
		}()

		engine.TriggerSync("start")
		a.listen(ctx, engine)
		return nil
	}),
}

// listen keeps a change feed open and pulls as soon as another device
// writes. It redials with backoff until ctx is done.
func (a *app) listen(ctx context.Context, engine *syncengine.Engine) {
	backoff := time.Second
	for {
		err := a.gateway.Listen(ctx, func(p websocket.NoteChangedPayload) {
			engine.TriggerSync("remote change " + p.Date)
		})
		if ctx.Err() != nil {
			return
		}
		a.log.WithError(err).WithField("retry_in", backoff.String()).Debug("change feed closed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

var registerCmd = &cobra.Command{
	Use:   "register <email> <username>",
	Short: "Create a server account and sign in",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if a.cfg.Offline {
			return errors.New("cannot register while offline")
		}
		password, err := readNewPassword("Account password: ")
		if err != nil {
			return err
		}
		if _, err := a.gateway.Register(ctx, &domain.RegisterRequest{
			Email:    args[0],
			Username: args[1],
			Password: password,
		}); err != nil {
			return err
		}
		fmt.Printf("Account %s created\n", args[0])
		return a.signIn(ctx, args[0], password)
	}),
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and merge this device's keys with the account keyring",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if a.cfg.Offline {
			return errors.New("cannot log in while offline")
		}
		password, err := readPassword("Account password: ")
		if err != nil {
			return err
		}
		return a.signIn(ctx, args[0], password)
	}),
}

// signIn logs in, unlocks the account keyring and runs a first sync. A local
// vault is unlocked first so its key is merged rather than replaced, unless
// the local data belonged to another account.
func (a *app) signIn(ctx context.Context, email, password string) error {
	if _, err := a.gateway.Login(ctx, &domain.LoginRequest{Email: email, Password: password}); err != nil {
		return err
	}
	creds := a.gateway.Credentials()
	switched, err := a.claimAccount(ctx, creds.UserID)
	if err != nil {
		return err
	}
	a.saveCredentials(creds)
	fmt.Printf("Logged in as %s\n", email)
	if switched {
		fmt.Println("Local notes of the previous account were removed")
	} else if err := a.unlockLocalIfPresent(ctx); err != nil {
		return err
	}
	res, err := a.unlockCloud(ctx, password)
	if err != nil {
		return err
	}
	printKeyring(res)

	if res, ok := a.syncIfOnline(ctx); ok {
		printResult(res)
	}
	return nil
}

func (a *app) unlockLocalIfPresent(ctx context.Context) error {
	exists, err := a.vault.Exists()
	if err != nil || !exists {
		return err
	}
	return a.unlock(ctx)
}

// claimAccount binds the local store to userID. When it held another
// account's data, that account's local vault is destroyed with it so its
// key is never merged into userID's keyring.
func (a *app) claimAccount(ctx context.Context, userID string) (bool, error) {
	switched, err := a.db.Notes().ClaimOwner(ctx, userID)
	if err != nil || !switched {
		return switched, err
	}
	a.session.SignOut()
	if err := a.vault.Destroy(ctx); err != nil {
		return true, err
	}
	return true, nil
}

var logoutForceFlag bool

func init() {
	logoutCmd.Flags().BoolVar(&logoutForceFlag, "force", false, "discard local edits that were never synced")
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the server account and its local notes on this device",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if err := a.logout(ctx, logoutForceFlag); err != nil {
			return err
		}
		fmt.Println("Logged out, local notes removed")
		return nil
	}),
}

// logout locks the session and drops everything bound to the account: the
// notes with their pending queue and cursor, the local vault and the stored
// credentials. Unsynced edits block it unless force is set.
func (a *app) logout(ctx context.Context, force bool) error {
	store := a.db.Notes()
	pending, err := store.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 && !force {
		return fmt.Errorf("%d edits: %w", len(pending), domain.ErrUnsyncedChanges)
	}

	a.session.SignOut()
	if err := store.Reset(ctx); err != nil {
		return err
	}
	if err := a.vault.Destroy(ctx); err != nil {
		return err
	}
	a.gateway.SetCredentials(gateway.Credentials{})
	return a.kv.Delete(accountKey)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault, account and pending sync state",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		exists, err := a.vault.Exists()
		if err != nil {
			return err
		}
		pending, err := a.db.Notes().Pending(ctx)
		if err != nil {
			return err
		}

		account := "not logged in"
		if a.signedIn() {
			account = a.gateway.Credentials().UserID
		}
		fmt.Printf("Data dir:  %s\n", a.cfg.DataDir)
		fmt.Printf("Device:    %s\n", a.deviceID)
		fmt.Printf("Vault:     %t\n", exists)
		fmt.Printf("Account:   %s\n", account)
		fmt.Printf("Online:    %t\n", a.probe(ctx))
		fmt.Printf("Pending:   %d\n", len(pending))
		for _, p := range pending {
			if p.LastError != "" {
				fmt.Printf("  %s  attempts=%d  %s\n", p.Date, p.Attempts, p.LastError)
			}
		}
		return nil
	}),
}

func printResult(res *syncengine.Result) {
	if res.Offline {
		fmt.Println("Sync skipped: offline")
		return
	}
	fmt.Printf("Synced: %d pushed, %d pulled\n", len(res.Pushed), res.Pulled)

	dates := make([]string, 0, len(res.Failed))
	for d := range res.Failed {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates {
		fmt.Printf("  %s failed: %v\n", d, res.Failed[d])
	}
	if res.PullErr != nil {
		fmt.Printf("  pull failed: %v\n", res.PullErr)
	}
}

func printKeyring(res *keyring.UnlockResult) {
	fmt.Printf("Account keyring unlocked: %d keys, primary %s\n", res.Keyring.Len(), res.PrimaryKeyID[:12])
}

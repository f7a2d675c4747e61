package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"dailyvault/internal/config"
	"dailyvault/internal/connectivity"
	"dailyvault/internal/devicekey"
	"dailyvault/internal/domain"
	"dailyvault/internal/gateway"
	"dailyvault/internal/keyring"
	"dailyvault/internal/kvstore"
	"dailyvault/internal/localstore"
	"dailyvault/internal/notes"
	"dailyvault/internal/session"
	"dailyvault/internal/syncengine"
	"dailyvault/internal/vault"
	"dailyvault/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	accountKey = "account"
	deviceKey  = "device"
	dbFile     = "notes.db"
)

var errNoVault = errors.New("no vault on this device, run `dailyvault init` or `dailyvault login`")

// app is the client object graph for one command invocation.
type app struct {
	cfg      *config.ClientConfig
	log      *logrus.Entry
	kv       *kvstore.Store
	db       *localstore.DB
	vault    *vault.Vault
	notes    *notes.Service
	session  *session.Session
	gateway  *gateway.Client
	monitor  *connectivity.Monitor
	engine   *syncengine.Engine
	deviceID string
}

type deviceRecord struct {
	ID string `json:"id"`
}

func loadConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if serverFlag != "" {
		cfg.ServerURL = serverFlag
	}
	if offlineFlag {
		cfg.Offline = true
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel).WithField("service", "dailyvault")

	kv, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	clock := connectivity.SystemClock{}
	db, err := localstore.Open(ctx, filepath.Join(cfg.DataDir, dbFile), localstore.OpenOptions{
		Retries: cfg.StoreOpenRetries,
		Backoff: cfg.StoreOpenBackoff,
		Log:     log,
		Now:     clock.Now,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, kv: kv, db: db}
	if a.deviceID, err = a.ensureDeviceID(); err != nil {
		db.Close()
		return nil, err
	}

	backend, err := a.deviceKeyBackend(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.vault = vault.New(kv, devicekey.New(backend, log), cfg.KDFIterations, log)
	a.notes = notes.NewService(db.Notes(), clock, log)
	a.gateway = gateway.New(gateway.Options{
		BaseURL:   cfg.ServerURL,
		DeviceID:  a.deviceID,
		Timeout:   cfg.RequestTimeout,
		OnRefresh: a.saveCredentials,
	}, log)

	var creds gateway.Credentials
	ok, err := kv.Get(accountKey, &creds)
	if err != nil {
		db.Close()
		return nil, err
	}
	if ok {
		a.gateway.SetCredentials(creds)
	}

	cloud := keyring.NewCloudUnlocker(a.gateway, cfg.KDFIterations, log)
	a.session = session.New(a.vault, cloud, cfg.UnlockTimeout, log, a.notes)
	a.monitor = connectivity.NewMonitor(false, log)
	return a, nil
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	a.session.SignOut()
	if err := a.db.Close(); err != nil {
		a.log.WithError(err).Warn("closing local store")
	}
}

// deviceKeyBackend picks where the device wrapping key lives. The platform
// keychain is preferred. The local database is the fallback on hosts without
// one, such as headless Linux without a Secret Service.
func (a *app) deviceKeyBackend(ctx context.Context) (devicekey.Backend, error) {
	table := a.db.DeviceKeys()
	if a.cfg.DeviceKeyBackend == config.DeviceKeyDatabase {
		return table, nil
	}

	chain, err := devicekey.OpenKeychain("dailyvault", a.deviceID)
	if err != nil {
		if a.cfg.DeviceKeyBackend == config.DeviceKeyKeychain {
			return nil, err
		}
		a.log.WithError(err).Warn("platform keychain unavailable, device key kept in the local database")
		return table, nil
	}

	moved, err := devicekey.MoveBlobs(ctx, table, chain)
	if err != nil {
		a.log.WithError(err).Warn("device key not moved to the platform keychain")
	} else if moved > 0 {
		a.log.WithField("blobs", moved).Info("moved device key to the platform keychain")
	}
	return chain, nil
}

// ensureDeviceID returns the configured device id, or a random one kept in
// the data dir so it survives restarts.
func (a *app) ensureDeviceID() (string, error) {
	if a.cfg.DeviceID != "" {
		return a.cfg.DeviceID, nil
	}
	var rec deviceRecord
	ok, err := a.kv.Get(deviceKey, &rec)
	if err != nil {
		return "", err
	}
	if ok && rec.ID != "" {
		return rec.ID, nil
	}
	rec.ID = uuid.New().String()
	if err := a.kv.Put(deviceKey, &rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (a *app) saveCredentials(creds gateway.Credentials) {
	if err := a.kv.Put(accountKey, &creds); err != nil {
		a.log.WithError(err).Warn("credentials not persisted")
	}
}

func (a *app) signedIn() bool {
	return a.gateway.Credentials().AccessToken != ""
}

// syncer returns the engine for the signed-in account.
func (a *app) syncer() *syncengine.Engine {
	if a.engine == nil {
		a.engine = syncengine.New(a.db.Notes(), a.gateway, a.monitor, nil, syncengine.Options{
			UserID:            a.gateway.Credentials().UserID,
			Interval:          a.cfg.SyncInterval,
			MaxRebaseAttempts: a.cfg.MaxRebaseAttempts,
		}, a.log)
	}
	return a.engine
}

// probe marks the monitor online when the server answers. It reports the
// resulting state.
func (a *app) probe(ctx context.Context) bool {
	if a.cfg.Offline || !a.signedIn() {
		a.monitor.SetOnline(false)
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	err := a.gateway.Ping(pctx)
	if err != nil {
		a.log.WithError(err).Debug("server unreachable")
	}
	a.monitor.SetOnline(err == nil)
	return err == nil
}

// unlock restores silently with the device key and falls back to asking for
// the password.
func (a *app) unlock(ctx context.Context) error {
	ok, err := a.session.Restore(ctx)
	if err != nil {
		a.log.WithError(err).Debug("device key restore failed")
	}
	if ok {
		return nil
	}

	exists, err := a.vault.Exists()
	if err != nil {
		return err
	}
	if !exists {
		return errNoVault
	}

	password, err := readPassword("Vault password: ")
	if err != nil {
		return err
	}
	return a.session.Unlock(ctx, password)
}

// unlockCloud opens the account keyring with password, so notes written
// under any of the account's keys become readable here.
func (a *app) unlockCloud(ctx context.Context, password string) (*keyring.UnlockResult, error) {
	creds := a.gateway.Credentials()
	if creds.UserID == "" {
		return nil, gateway.ErrNotSignedIn
	}
	return a.session.UnlockCloud(ctx, creds.UserID, password)
}

// syncIfOnline runs one cycle when a server is reachable. It reports false
// when the cycle was skipped.
func (a *app) syncIfOnline(ctx context.Context) (*syncengine.Result, bool) {
	if !a.probe(ctx) {
		return nil, false
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return a.syncer().Sync(sctx), true
}

func describe(err error) string {
	var decryptErr *domain.DecryptError
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return "wrong password"
	case errors.As(err, &decryptErr):
		return fmt.Sprintf("%v (run `dailyvault unlock --cloud` to load the account keyring)", err)
	case errors.Is(err, session.ErrTimeout):
		return "unlock took too long, try again"
	case errors.Is(err, domain.ErrUnsyncedChanges):
		return fmt.Sprintf("%v (run `dailyvault sync` first, or `dailyvault logout --force` to discard them)", err)
	default:
		return err.Error()
	}
}

// Package connection maps logical connection aliases to live MongoDB client
// and database handles. Settings are registered up front; handles are
// constructed lazily on first use and cached for the process lifetime.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/odm/pkg/config"
	"github.com/nimburion/odm/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Handle bundles a live client with its database and the settings it was
// built from. Slaves are read-only peer handles resolved from the settings'
// slave aliases.
type Handle struct {
	Alias    string
	Client   *mongo.Client
	Database *mongo.Database
	Settings config.ConnectionSettings
	Slaves   []*Handle
}

// Registry is the alias table. Two parallel namespaces are kept: the async
// handles used by every cooperative operation, and sibling sync handles for
// the few blocking internal paths (index creation during setup).
type Registry struct {
	mu       sync.RWMutex
	settings map[string]config.ConnectionSettings
	handles  map[string]*Handle
	sync     map[string]*Handle
	log      logger.Logger
}

// NewRegistry creates an empty registry logging through log. A nil log
// falls back to the nop logger.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		settings: make(map[string]config.ConnectionSettings),
		handles:  make(map[string]*Handle),
		sync:     make(map[string]*Handle),
		log:      log,
	}
}

// Register stores settings under the alias. It does not connect.
func (r *Registry) Register(alias string, settings config.ConnectionSettings) {
	r.mu.Lock()
	r.settings[alias] = settings
	r.mu.Unlock()
}

// RegisterAll stores every alias from a loaded configuration.
func (r *Registry) RegisterAll(cfg *config.Config) {
	for alias, settings := range cfg.Connections {
		r.Register(alias, settings)
	}
}

// Get returns the live handle for the alias, constructing it on first use.
func (r *Registry) Get(ctx context.Context, alias string) (*Handle, error) {
	return r.get(ctx, alias, r.handles, false)
}

// GetSync returns the sibling sync-namespace handle for the alias. The
// handle is built from the same settings but cached separately so the
// blocking internal paths never share a client with cooperative operations.
func (r *Registry) GetSync(ctx context.Context, alias string) (*Handle, error) {
	return r.get(ctx, alias, r.sync, false)
}

// Reconnect closes the alias's handle and rebuilds it.
func (r *Registry) Reconnect(ctx context.Context, alias string) (*Handle, error) {
	return r.get(ctx, alias, r.handles, true)
}

// GetDatabase returns the database handle for the alias.
func (r *Registry) GetDatabase(ctx context.Context, alias string) (*mongo.Database, error) {
	h, err := r.Get(ctx, alias)
	if err != nil {
		return nil, err
	}
	return h.Database, nil
}

func (r *Registry) get(ctx context.Context, alias string, table map[string]*Handle, reconnect bool) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := table[alias]; ok {
		if !reconnect {
			return h, nil
		}
		r.closeLocked(ctx, h)
		delete(table, alias)
	}

	settings, ok := r.settings[alias]
	if !ok {
		return nil, &Error{Alias: alias, Reason: "no settings registered"}
	}

	h, err := r.buildLocked(ctx, alias, settings)
	if err != nil {
		return nil, err
	}
	table[alias] = h
	return h, nil
}

// buildLocked constructs the handle plus its slave peers. Caller holds the
// write lock.
func (r *Registry) buildLocked(ctx context.Context, alias string, settings config.ConnectionSettings) (*Handle, error) {
	h, err := r.connect(ctx, alias, settings)
	if err != nil {
		return nil, err
	}
	for _, slaveAlias := range settings.Slaves {
		slaveSettings, ok := r.settings[slaveAlias]
		if !ok {
			r.closeLocked(ctx, h)
			return nil, &Error{Alias: slaveAlias, Reason: "slave alias has no settings registered"}
		}
		if slaveSettings.ReadPreference == "" {
			slaveSettings.ReadPreference = "secondaryPreferred"
		}
		slave, err := r.connect(ctx, slaveAlias, slaveSettings)
		if err != nil {
			r.closeLocked(ctx, h)
			return nil, err
		}
		h.Slaves = append(h.Slaves, slave)
	}
	return h, nil
}

func (r *Registry) connect(ctx context.Context, alias string, settings config.ConnectionSettings) (*Handle, error) {
	uri, err := BuildURI(settings)
	if err != nil {
		return nil, &Error{Alias: alias, Reason: "invalid settings", Err: err}
	}

	opts := options.Client().ApplyURI(uri)
	if settings.ConnectTimeout > 0 {
		opts.SetConnectTimeout(settings.ConnectTimeout)
		opts.SetServerSelectionTimeout(settings.ConnectTimeout)
	}
	if settings.ReadPreference != "" {
		mode, err := readpref.ModeFromString(settings.ReadPreference)
		if err != nil {
			return nil, &Error{Alias: alias, Reason: "invalid read preference", Err: err}
		}
		pref, err := readpref.New(mode)
		if err != nil {
			return nil, &Error{Alias: alias, Reason: "invalid read preference", Err: err}
		}
		opts.SetReadPreference(pref)
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if settings.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, settings.ConnectTimeout)
		defer cancel()
	}

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, &Error{Alias: alias, Reason: "client construction failed", Err: err}
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &Error{Alias: alias, Reason: "ping failed", Err: err}
	}

	r.log.Info("MongoDB connection established", "alias", alias, "database", settings.Database)
	return &Handle{
		Alias:    alias,
		Client:   client,
		Database: client.Database(settings.Database),
		Settings: settings,
	}, nil
}

// Disconnect closes the alias's handles in both namespaces and drops them
// from the tables. The settings stay registered.
func (r *Registry) Disconnect(ctx context.Context, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, table := range []map[string]*Handle{r.handles, r.sync} {
		if h, ok := table[alias]; ok {
			if err := r.closeLocked(ctx, h); err != nil && firstErr == nil {
				firstErr = err
			}
			delete(table, alias)
		}
	}
	return firstErr
}

// DisconnectAll closes every live handle.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	aliases := make([]string, 0, len(r.handles)+len(r.sync))
	for a := range r.handles {
		aliases = append(aliases, a)
	}
	for a := range r.sync {
		aliases = append(aliases, a)
	}
	r.mu.Unlock()

	var firstErr error
	for _, a := range aliases {
		if err := r.Disconnect(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) closeLocked(ctx context.Context, h *Handle) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var firstErr error
	for _, slave := range h.Slaves {
		if err := slave.Client.Disconnect(closeCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.Client.Disconnect(closeCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("failed to close connection %q: %w", h.Alias, firstErr)
	}
	return nil
}

// BuildURI assembles a mongodb connection URI from alias settings. A Host
// already carrying a scheme is taken as the full URI and returned unchanged.
// With a replica set configured, the port is dropped from the seed and the
// replicaSet option is appended.
func BuildURI(settings config.ConnectionSettings) (string, error) {
	host := strings.TrimSpace(settings.Host)
	if host == "" {
		return "", fmt.Errorf("host is required")
	}
	if strings.HasPrefix(host, "mongodb://") || strings.HasPrefix(host, "mongodb+srv://") {
		return host, nil
	}

	var b strings.Builder
	b.WriteString("mongodb://")
	if settings.Username != "" {
		b.WriteString(url.QueryEscape(settings.Username))
		if settings.Password != "" {
			b.WriteString(":")
			b.WriteString(url.QueryEscape(settings.Password))
		}
		b.WriteString("@")
	}
	b.WriteString(host)
	if settings.ReplicaSet == "" {
		port := settings.Port
		if port == 0 {
			port = config.DefaultPort
		}
		fmt.Fprintf(&b, ":%d", port)
	}
	b.WriteString("/")
	b.WriteString(settings.Database)

	params := url.Values{}
	if settings.ReplicaSet != "" {
		params.Set("replicaSet", settings.ReplicaSet)
	}
	if settings.AuthSource != "" {
		params.Set("authSource", settings.AuthSource)
	}
	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(params.Encode())
	}
	return b.String(), nil
}

var defaultRegistry = NewRegistry(logger.Nop())

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// SetDefaultLogger swaps the logger used by the process-wide registry.
func SetDefaultLogger(log logger.Logger) {
	if log == nil {
		log = logger.Nop()
	}
	defaultRegistry.mu.Lock()
	defaultRegistry.log = log
	defaultRegistry.mu.Unlock()
}

// Connect registers settings for the alias on the process-wide registry and
// constructs the handle immediately.
func Connect(ctx context.Context, alias string, settings config.ConnectionSettings) (*Handle, error) {
	defaultRegistry.Register(alias, settings)
	return defaultRegistry.Get(ctx, alias)
}

// Disconnect releases the alias's handle on the process-wide registry.
func Disconnect(ctx context.Context, alias string) error {
	return defaultRegistry.Disconnect(ctx, alias)
}

// Package admin implements the SHOW/RELOAD console: a
// small SQL-like command set answered entirely inside doorman, without
// ever touching a Server Connection, the way a real pooler's admin
// database works: reads the same underlying pool.Manager/metrics.Collector
// data a dashboard would, but speaks the PostgreSQL wire protocol —
// RowDescription/DataRow/CommandComplete — instead of JSON over HTTP
// (see DESIGN.md).
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/pool"
	"github.com/doorman/doorman/internal/registry"
)

// version is surfaced by SHOW VERSION; bumped by hand, not by a build tag.
const version = "doorman 1.0"

// Handler answers admin-database simple-query commands.
type Handler struct {
	Registry *registry.Registry
	Pools    *pool.Manager
	Reload   func() error
	Shutdown func() error

	// InstanceID identifies this process uniquely, surfaced by SHOW
	// VERSION so an operator juggling a graceful binary upgrade
	// can tell which of the old and new processes answered a query.
	InstanceID string
}

func New(reg *registry.Registry, pools *pool.Manager, reload, shutdown func() error, instanceID string) *Handler {
	return &Handler{Registry: reg, Pools: pools, Reload: reload, Shutdown: shutdown, InstanceID: instanceID}
}

// Handle dispatches one admin simple-query command, writing its full
// response (including the trailing ReadyForQuery) to client.
func (h *Handler) Handle(ctx context.Context, client *pgproto3.Backend, query string) error {
	cmd := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";")))

	var err error
	switch {
	case cmd == "SHOW POOLS":
		err = h.showPools(client, false)
	case cmd == "SHOW POOLS_EXTENDED":
		err = h.showPools(client, true)
	case cmd == "SHOW CLIENTS":
		err = h.showClients(client)
	case cmd == "SHOW SERVERS":
		err = h.showServers(client)
	case cmd == "SHOW DATABASES":
		err = h.showDatabases(client)
	case cmd == "SHOW USERS":
		err = h.showUsers(client)
	case cmd == "SHOW CONFIG":
		err = h.showConfig(client)
	case cmd == "SHOW LISTS":
		err = h.showLists(client)
	case cmd == "SHOW STATS":
		err = h.showStats(client)
	case cmd == "SHOW PREPARED_STATEMENTS":
		err = h.showPreparedStatements(client)
	case cmd == "SHOW VERSION":
		err = h.showVersion(client)
	case cmd == "SHOW HELP":
		err = h.showHelp(client)
	case cmd == "SHOW POOLS_MEMORY" || cmd == "SHOW SOCKETS":
		// Left as an empty result set: these require OS-level socket/
		// memory introspection outside this core's scope (DESIGN.md).
		err = h.emptyResult(client, []string{"key", "value"})
	case cmd == "RELOAD":
		err = h.reload(client)
	case cmd == "SHUTDOWN":
		err = h.shutdown(client)
	default:
		return h.sendError(client, fmt.Sprintf("unrecognized admin command: %s", query))
	}
	if err != nil {
		return err
	}
	return client.Flush()
}

func (h *Handler) reload(client *pgproto3.Backend) error {
	if h.Reload == nil {
		return h.sendError(client, "reload not wired")
	}
	if err := h.Reload(); err != nil {
		return h.sendError(client, fmt.Sprintf("reload failed: %v", err))
	}
	return h.sendCommandComplete(client, "RELOAD")
}

// shutdown initiates the process's graceful shutdown; the
// CommandComplete is sent before the drain takes the listener down, so
// the issuing client still receives its reply.
func (h *Handler) shutdown(client *pgproto3.Backend) error {
	if h.Shutdown == nil {
		return h.sendError(client, "shutdown not wired")
	}
	if err := h.Shutdown(); err != nil {
		return h.sendError(client, fmt.Sprintf("shutdown failed: %v", err))
	}
	return h.sendCommandComplete(client, "SHUTDOWN")
}

func (h *Handler) showPools(client *pgproto3.Backend, extended bool) error {
	cols := []string{"name", "pool_mode", "active", "idle", "total", "waiting", "max_size", "min_size"}
	if extended {
		cols = append(cols, "exhausted_count")
	}
	rd := rowDescription(cols)
	client.Send(rd)

	stats := h.Pools.AllStats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	for _, s := range stats {
		p, _ := h.Pools.Get(s.Name)
		mode := "transaction"
		if p != nil {
			if cfg, err := h.Registry.Resolve(s.Name); err == nil {
				mode = cfg.PoolMode
			}
		}
		vals := []string{s.Name, mode, itoa(s.Active), itoa(s.Idle), itoa(s.Total), itoa(s.Waiting), itoa(s.MaxSize), itoa(s.MinSize)}
		if extended {
			vals = append(vals, itoa64(s.Exhausted))
		}
		client.Send(dataRow(vals))
	}
	return h.sendCommandComplete(client, "SHOW")
}

// showClients and showServers report coarse pool-level occupancy rather
// than individual socket rows: doorman's Client Task and Server
// Connection bookkeeping lives inside internal/session and internal/pool
// respectively, with no separate process-wide connection registry to
// enumerate — the per-pool Stats already carry the counts that matter
// operationally (active/idle/waiting).
func (h *Handler) showClients(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"pool", "active", "waiting"})
	client.Send(rd)
	for _, s := range h.Pools.AllStats() {
		client.Send(dataRow([]string{s.Name, itoa(s.Active), itoa(s.Waiting)}))
	}
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showServers(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"pool", "active", "idle", "total"})
	client.Send(rd)
	for _, s := range h.Pools.AllStats() {
		client.Send(dataRow([]string{s.Name, itoa(s.Active), itoa(s.Idle), itoa(s.Total)}))
	}
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showDatabases(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"name", "server_host", "server_port", "server_database", "pool_mode", "pool_size"})
	client.Send(rd)
	for _, name := range sortedNames(h.Registry.Names()) {
		cfg, err := h.Registry.Resolve(name)
		if err != nil {
			continue
		}
		client.Send(dataRow([]string{name, cfg.ServerHost, itoa(cfg.ServerPort), cfg.ServerDatabase, cfg.PoolMode, itoa(cfg.PoolSize)}))
	}
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showUsers(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"pool", "user", "auth_method"})
	client.Send(rd)
	for _, name := range sortedNames(h.Registry.Names()) {
		cfg, err := h.Registry.Resolve(name)
		if err != nil {
			continue
		}
		userNames := make([]string, 0, len(cfg.Users))
		for u := range cfg.Users {
			userNames = append(userNames, u)
		}
		sort.Strings(userNames)
		for _, u := range userNames {
			client.Send(dataRow([]string{name, u, authMethodOrDefault(cfg.Users[u])}))
		}
	}
	return h.sendCommandComplete(client, "SHOW")
}

func authMethodOrDefault(u config.UserConfig) string {
	if u.AuthMethod == "" {
		return "trust"
	}
	return u.AuthMethod
}

func (h *Handler) showConfig(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"pool", "key", "value"})
	client.Send(rd)
	for _, name := range sortedNames(h.Registry.Names()) {
		cfg, err := h.Registry.Resolve(name)
		if err != nil {
			continue
		}
		redacted := cfg.Redacted()
		for _, kv := range [][2]string{
			{"server_host", redacted.ServerHost},
			{"server_port", itoa(redacted.ServerPort)},
			{"server_database", redacted.ServerDatabase},
			{"pool_mode", redacted.PoolMode},
			{"pool_size", itoa(redacted.PoolSize)},
			{"min_pool_size", itoa(redacted.MinPoolSize)},
			{"prepared_statements_cache_size", itoa(redacted.PreparedStatementsCacheSize)},
		} {
			client.Send(dataRow([]string{name, kv[0], kv[1]}))
		}
	}
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showLists(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"item", "value"})
	client.Send(rd)
	stats := h.Pools.AllStats()
	var totalActive, totalIdle, totalWaiting int
	for _, s := range stats {
		totalActive += s.Active
		totalIdle += s.Idle
		totalWaiting += s.Waiting
	}
	client.Send(dataRow([]string{"pools", itoa(len(stats))}))
	client.Send(dataRow([]string{"databases", itoa(len(h.Registry.Names()))}))
	client.Send(dataRow([]string{"servers_active", itoa(totalActive)}))
	client.Send(dataRow([]string{"servers_idle", itoa(totalIdle)}))
	client.Send(dataRow([]string{"clients_waiting", itoa(totalWaiting)}))
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showStats(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"pool", "active", "idle", "total", "waiting", "exhausted_count"})
	client.Send(rd)
	for _, s := range h.Pools.AllStats() {
		client.Send(dataRow([]string{s.Name, itoa(s.Active), itoa(s.Idle), itoa(s.Total), itoa(s.Waiting), itoa64(s.Exhausted)}))
	}
	return h.sendCommandComplete(client, "SHOW")
}

// showPreparedStatements reports the pool-level LRU occupancy for each
// named pool; the underlying prepared.Cache has no public enumeration of
// individual entries (by design — the Cache avoids holding
// back-pointers that would need invalidating), so only its Len/Evicted
// summary is surfaced here.
func (h *Handler) showPreparedStatements(client *pgproto3.Backend) error {
	rd := rowDescription([]string{"pool", "cached_statements", "evicted"})
	client.Send(rd)
	for _, name := range sortedNames(h.Pools.Names()) {
		p, ok := h.Pools.Get(name)
		if !ok {
			continue
		}
		c := p.Prepared()
		client.Send(dataRow([]string{name, itoa(c.Len()), itoa64(int64(c.Evicted()))}))
	}
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showHelp(client *pgproto3.Backend) error {
	topics := []string{
		"SHOW POOLS", "SHOW POOLS_EXTENDED", "SHOW CLIENTS", "SHOW SERVERS",
		"SHOW DATABASES", "SHOW USERS", "SHOW CONFIG", "SHOW LISTS",
		"SHOW STATS", "SHOW PREPARED_STATEMENTS", "SHOW VERSION", "RELOAD",
	}
	rd := rowDescription([]string{"command"})
	client.Send(rd)
	for _, t := range topics {
		client.Send(dataRow([]string{t}))
	}
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) showVersion(client *pgproto3.Backend) error {
	client.Send(rowDescription([]string{"version", "instance_id"}))
	client.Send(dataRow([]string{version, h.InstanceID}))
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) emptyResult(client *pgproto3.Backend, cols []string) error {
	client.Send(rowDescription(cols))
	return h.sendCommandComplete(client, "SHOW")
}

func (h *Handler) sendCommandComplete(client *pgproto3.Backend, tag string) error {
	client.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	client.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return nil
}

func (h *Handler) sendError(client *pgproto3.Backend, msg string) error {
	client.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42704", Message: msg})
	client.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return client.Flush()
}

func rowDescription(cols []string) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, c := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(c),
			DataTypeOID:  25, // text
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func dataRow(vals []string) *pgproto3.DataRow {
	cols := make([][]byte, len(vals))
	for i, v := range vals {
		cols[i] = []byte(v)
	}
	return &pgproto3.DataRow{Values: cols}
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func itoa(n int) string     { return fmt.Sprintf("%d", n) }
func itoa64(n int64) string { return fmt.Sprintf("%d", n) }

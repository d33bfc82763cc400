package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orgdesk/chatsync"
)

// app bundles what every networked command needs.
type app struct {
	cfg    *Config
	log    *logrus.Entry
	client *chatsync.Client
	chat   *chatsync.Chat
}

// newApp resolves configuration and builds the client and cache. Commands
// that need a token fail early with a hint.
func newApp() (*app, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token; run 'chatsync init <token>' or set %s", envToken)
	}

	log, err := chatsync.NewLogger(cfg.Default.LogLevel, cfg.Default.LogFormat)
	if err != nil {
		return nil, err
	}
	log.Logger.SetOutput(os.Stderr)
	chatsync.SetDefaultLogger(log)

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.TenantID != "" {
		opts = append(opts, chatsync.WithTenant(cfg.Auth.TenantID))
	}
	client := chatsync.NewClient(cfg.Auth.Token, opts...)

	rt := chatsync.RealtimeConfig{AutoReconnect: true, Logger: log}
	dial := client.Realtime.WSDialer(rt)
	if cfg.Default.Transport == "sse" {
		dial = client.Realtime.SSEDialer(rt)
	}

	chat := chatsync.NewChat(client.Groups, client.Messages,
		chatsync.WithLogger(log),
		chatsync.WithDialer(dial),
	)
	return &app{cfg: cfg, log: log, client: client, chat: chat}, nil
}

func (a *app) session() chatsync.Session {
	return chatsync.Session{
		UserID:   a.cfg.Auth.UserID,
		TenantID: a.cfg.Auth.TenantID,
		Token:    a.cfg.Auth.Token,
	}
}

func (a *app) pageSize() int {
	if a.cfg.Default.PageSize > 0 {
		return a.cfg.Default.PageSize
	}
	return chatsync.DefaultPageSize
}

// splitMembers parses a comma-separated member list.
func splitMembers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatMessage(m chatsync.ChatMessage) string {
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.SenderID, m.Content)
}

func formatGroup(g chatsync.ChatGroup) string {
	return fmt.Sprintf("  %s: %s (%d members, updated %s)", g.ID, g.Name, len(g.MemberIDs), g.UpdatedAt.Format("2006-01-02 15:04"))
}

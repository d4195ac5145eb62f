package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/crmdesk/chatsync"
	"github.com/pkg/errors"
)

// getClient loads config and returns an authenticated chat client together
// with the session its token describes. Exits on missing token.
func getClient() (*chatsync.Client, chatsync.Session, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'crmchat init <token>' first.")
		os.Exit(1)
	}

	sess, err := sessionFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := chatsync.NewClient(sess.Token,
		chatsync.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)),
		chatsync.WithLogger(logger),
	)
	client.SetSession(sess.Token, sess.TenantID)
	return client, sess, cfg
}

// sessionFromConfig resolves the tenant from the API host, falling back to
// the persisted default, and reads the rest from the token.
func sessionFromConfig(cfg *Config) (chatsync.Session, error) {
	base := valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)
	u, err := url.Parse(base)
	if err != nil {
		return chatsync.Session{}, errors.Wrapf(err, "invalid base_url %q", base)
	}
	tenant := chatsync.ResolveTenant(u.Host, cfg.Default.TenantID)
	sess, err := chatsync.ParseSession(cfg.Auth.Token, tenant)
	if err != nil {
		return chatsync.Session{}, errors.Wrap(err, "configured token")
	}
	return sess, nil
}

func readPolicy(cfg *Config) (chatsync.ReadPolicy, error) {
	if len(cfg.Read.Triggers) == 0 {
		return chatsync.DefaultReadPolicy(), nil
	}
	var policy chatsync.ReadPolicy
	for _, name := range cfg.Read.Triggers {
		t, err := chatsync.ParseReadTrigger(name)
		if err != nil {
			return policy, errors.Wrap(err, "read.triggers")
		}
		policy.Triggers = append(policy.Triggers, t)
	}
	return policy, nil
}

// newEngine builds the session engine. Toasts go to the desktop when
// notify.desktop is set and to stdout otherwise.
func newEngine(client *chatsync.Client, cfg *Config) (*chatsync.Engine, error) {
	policy, err := readPolicy(cfg)
	if err != nil {
		return nil, err
	}
	var notifier chatsync.Notifier = chatsync.NotifierFunc(func(title, body string) error {
		fmt.Printf("\n  [%s] %s\n", title, body)
		return nil
	})
	if cfg.Notify.Desktop {
		notifier = chatsync.DesktopNotifier{}
	}
	opts := []chatsync.EngineOption{
		chatsync.WithNotifier(notifier),
		chatsync.WithReadPolicy(policy),
	}
	if cfg.Notify.PreviewLength > 0 {
		opts = append(opts, chatsync.WithPreviewLength(cfg.Notify.PreviewLength))
	}
	return chatsync.NewEngine(client, opts...), nil
}

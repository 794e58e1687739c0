package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/config"
	"github.com/jmcleod/gatekeeper/credstore"
	"github.com/jmcleod/gatekeeper/idle"
	"github.com/jmcleod/gatekeeper/portal"
	bboltstorage "github.com/jmcleod/gatekeeper/storage/bbolt"
)

// openStore opens the credential store described by c. The returned close
// function releases the underlying file or connection.
func openStore(c config.Config) (credstore.Store, func() error, error) {
	switch c.Store.Driver {
	case config.DriverMemory:
		return credstore.NewMemoryStore(), func() error { return nil }, nil

	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		key, err := credstore.LoadWrappingKey(c.Store.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load credential key: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(c.Store.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
		}
		store, err := credstore.NewPersistentStore(repo, key, credstore.WithProfile(c.Store.Profile))
		if err != nil {
			repo.Close()
			return nil, nil, err
		}
		return store, repo.Close, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
		})
		return credstore.NewRedisStore(client, c.Store.Profile), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
}

// terminalPresenter shows navigation and idle notices on the terminal.
type terminalPresenter struct {
	out io.Writer
}

func (t terminalPresenter) Navigate(path, message string) {
	if message != "" {
		fmt.Fprintf(t.out, "\n%s\n", message)
	}
	fmt.Fprintf(t.out, "-> %s\n", path)
}

func (t terminalPresenter) IdleWarning(n idle.Notice) {
	fmt.Fprintf(t.out, "\n! %s (%s left; press enter to stay signed in)\n", n.Message, n.Remaining(time.Now()).Round(time.Second))
}

func (t terminalPresenter) DismissIdleWarning() {
	fmt.Fprintln(t.out, "Still here. Idle timer reset.")
}

// cliSession is an initialised portal plus what must be released on exit.
type cliSession struct {
	*portal.Portal
	store      credstore.Store
	closeStore func() error
}

func (s *cliSession) Close() {
	s.Teardown()
	s.closeStore()
}

func openSession(cmd *cobra.Command) (*cliSession, error) {
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.Backend.Timeout}
	ua := cfg.Backend.UserAgent
	if ua == "" {
		ua = "gatekeeper/" + Version
	}
	backend := authapi.NewClient(cfg.Backend.URL, authapi.WithHTTPClient(httpClient), authapi.WithUserAgent(ua))

	p, err := portal.New(portal.Options{
		Store:            store,
		Backend:          backend,
		BaseURL:          cfg.Backend.URL,
		HTTPClient:       httpClient,
		Idle:             cfg.Idle,
		Routes:           cfg.Routes,
		Presenter:        terminalPresenter{out: cmd.OutOrStdout()},
		Logger:           logger,
		StrictInvariants: cfg.Session.StrictInvariants,
		Session:          cfg.SessionOptions(),
	})
	if err != nil {
		closeStore()
		return nil, err
	}
	p.Init(commandContext(cmd))
	return &cliSession{Portal: p, store: store, closeStore: closeStore}, nil
}

// prompt writes label and reads one trimmed line from in.
func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/profilecache"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/tui"
	"github.com/matheus3301/convsync/internal/workspace"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	workspaceFlag := flag.String("workspace", "", "workspace name (overrides config default)")
	asFlag := flag.String("as", "", "profile id to act as (overrides config viewer_id)")
	roomFlag := flag.String("room", "", "group id to open")
	dmFlag := flag.String("dm", "", "profile id to open a direct conversation with")
	flag.Parse()

	cfg, err := config.Resolve(workspace.ConfigPath(), ".env")
	if err != nil {
		fail(err)
	}
	name := workspace.Resolve(*workspaceFlag, cfg)
	if err := workspace.ValidateName(name); err != nil {
		fail(err)
	}
	viewer := *asFlag
	if viewer == "" {
		viewer = cfg.ViewerID
	}
	if viewer == "" {
		fail(fmt.Errorf("no profile to act as: pass --as or set viewer_id"))
	}

	var (
		key   conversation.Key
		title string
	)
	switch {
	case *roomFlag != "" && *dmFlag == "":
		key, title = conversation.RoomKey(*roomFlag), "#"+*roomFlag
	case *dmFlag != "" && *roomFlag == "":
		key, title = conversation.DirectKey(viewer, *dmFlag), "@"+*dmFlag
	default:
		fail(fmt.Errorf("pass exactly one of --room or --dm"))
	}

	if err := workspace.EnsureDir(name); err != nil {
		fail(err)
	}
	logger, err := logging.Quiet(filepath.Join(workspace.LogDir(name), "convsync.log"), name)
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	socketPath := workspace.SocketPath(name)

	// Check daemon health; auto-start if needed.
	if !daemonHealthy(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for workspace %q, starting...\n", name)
		if err := startDaemon(name); err != nil {
			fail(fmt.Errorf("failed to start daemon: %w", err))
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fail(fmt.Errorf("daemon did not become ready"))
		}
	}

	c, err := remote.Dial(socketPath, logger)
	if err != nil {
		fail(fmt.Errorf("connect to daemon: %w", err))
	}
	defer func() { _ = c.Close() }()

	var profiles conversation.ProfileSource = conversation.NewStoreProfiles(c)
	if cfg.Cache.RedisURL != "" {
		rdb, err := dialCache(cfg.Cache.RedisURL)
		if err != nil {
			logger.Warn("profile cache unavailable", zap.Error(err))
		} else {
			defer func() { _ = rdb.Close() }()
			cache := profilecache.New(rdb, profiles, cfg.Cache.TTL.Duration, nil, logger)
			if ch, err := cache.Follow(context.Background(), c); err != nil {
				logger.Warn("profile cache will not see edits", zap.Error(err))
			} else {
				defer func() { _ = ch.Close() }()
			}
			profiles = cache
		}
	}

	v := conversation.NewView(c, conversation.Options{
		Viewer:     viewer,
		EchoWindow: cfg.Sync.EchoWindow.Duration,
		Profiles:   profiles,
		Logger:     logger,
	})

	app := tui.NewApp(v, key, title, name, logger)
	if err := app.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func dialCache(url string) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return profilecache.Dial(ctx, url)
}

// daemonHealthy checks if a daemon is running and answering queries.
func daemonHealthy(socketPath string) bool {
	c, err := remote.Dial(socketPath, nil)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx) == nil
}

func startDaemon(name string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	daemon := filepath.Join(filepath.Dir(executable), "convsyncd")
	if _, err := os.Stat(daemon); err != nil {
		daemon = "convsyncd"
	}

	cmd := exec.Command(daemon, "--workspace", name)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if daemonHealthy(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

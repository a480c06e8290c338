package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
)

// endpoint is the local DevTools address of a launched browser
type endpoint struct {
	Port int
	URL  string
}

// browserHandle is a running, isolated browser process
type browserHandle struct {
	endpoint endpoint
	close    func()
}

// browserLauncher starts a fresh browser for a single audit
type browserLauncher interface {
	launch(ctx context.Context) (*browserHandle, error)
}

// newBrowserLauncher returns the launcher selected in the browser config
func newBrowserLauncher(cfg browserConfig, logger logrus.FieldLogger) (browserLauncher, error) {
	switch cfg.Launcher {
	case launcherChromedp:
		return &chromedpLauncher{cfg: cfg, logger: logger}, nil
	case launcherRod:
		return &rodLauncher{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownLauncher, cfg.Launcher)
	}
}

// chromedpLauncher starts Chrome through a chromedp ExecAllocator
type chromedpLauncher struct {
	cfg    browserConfig
	logger logrus.FieldLogger
}

func (l *chromedpLauncher) launch(ctx context.Context) (*browserHandle, error) {
	port, err := freePort()
	if err != nil {
		return nil, err
	}

	// setup browser options
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(port)),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	// create context with ExecAllocator - cancelling ctx also kills the browser
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(l.logger.Debugf))

	closeBrowser := func() {
		cancelBrowser()
		cancelAlloc()
	}

	// an empty run starts the browser process
	err = chromedp.Run(browserCtx)
	if err != nil {
		closeBrowser()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &browserHandle{
		endpoint: endpoint{Port: port, URL: "ws://127.0.0.1:" + strconv.Itoa(port)},
		close:    closeBrowser,
	}, nil
}

// rodLauncher starts Chrome through go-rod's launcher
type rodLauncher struct {
	cfg browserConfig
}

func (l *rodLauncher) launch(ctx context.Context) (*browserHandle, error) {
	rl := launcher.New().
		Context(ctx).
		Headless(l.cfg.Headless).
		NoSandbox(l.cfg.NoSandbox).
		Set("disable-gpu")

	if l.cfg.ExecPath != "" {
		rl = rl.Bin(l.cfg.ExecPath)
	} else if path, found := launcher.LookPath(); found {
		rl = rl.Bin(path)
	}

	wsURL, err := rl.Launch()
	if err != nil {
		rl.Cleanup()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	port, err := endpointPort(wsURL)
	if err != nil {
		rl.Kill()
		rl.Cleanup()
		return nil, err
	}

	return &browserHandle{
		endpoint: endpoint{Port: port, URL: wsURL},
		close: func() {
			rl.Kill()
			rl.Cleanup()
		},
	}, nil
}

// freePort asks the kernel for an unused local TCP port
func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// endpointPort extracts the port from a DevTools websocket URL
func endpointPort(wsURL string) (int, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return 0, fmt.Errorf("invalid endpoint %s: %w", wsURL, err)
	}

	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		return 0, fmt.Errorf("endpoint missing port: %s", wsURL)
	}

	return port, nil
}

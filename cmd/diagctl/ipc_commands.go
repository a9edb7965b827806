package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"diagd/internal/ipc"
)

// commandTimeout bounds a whole CLI request, exports included.
const commandTimeout = 60 * time.Second

// withClient dials the daemon named by the configuration and runs fn.
func withClient(fn func(ctx context.Context, c *ipc.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	clientCfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	clientCfg.RequestTimeout = commandTimeout
	client, err := ipc.Dial(ctx, clientCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func cmdWrite(stream, text string) error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		resp, err := c.Write(ctx, stream, text)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d lines buffered\n", resp.Stream, resp.Buffered)
		return nil
	})
}

func cmdShare(stream string) error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		h, err := c.Share(ctx, stream)
		if err != nil {
			return err
		}
		fmt.Printf("Shared %s (%s)\n", h.URI, h.Kind)
		return nil
	})
}

func cmdSave(stream string) error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		h, err := c.Save(ctx, stream)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%s)\n", h.URI, h.Kind)
		return nil
	})
}

func cmdTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	n := fs.Int("n", 20, "number of lines")
	fs.Parse(args)

	return withClient(func(ctx context.Context, c *ipc.Client) error {
		lines, err := c.Tail(ctx, streamArg(fs.Args()), *n)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	})
}

func cmdMask(args []string) error {
	fs := flag.NewFlagSet("mask", flag.ExitOnError)
	stream := fs.String("stream", "whisper", "channel whose mask applies")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: diagctl mask [-stream S] <text...>")
	}

	return withClient(func(ctx context.Context, c *ipc.Client) error {
		out, err := c.Mask(ctx, *stream, strings.Join(fs.Args(), " "))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	})
}

func cmdShowError(title, text string) error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		return c.ShowError(ctx, title, text)
	})
}

func cmdPing() error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		start := time.Now()
		if err := c.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("pong in %s\n", time.Since(start).Round(time.Microsecond))
		return nil
	})
}

func cmdStatus() error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Println("=== diagd Status ===")
		fmt.Println()
		fmt.Printf("  Version        %s\n", status.Version)
		fmt.Printf("  Started        %s\n", status.StartedAt.Format(time.RFC3339))
		fmt.Printf("  Uptime         %s\n", status.Uptime.Round(time.Second))
		fmt.Printf("  Export mode    %s (using %s)\n", status.ExportMode, status.Strategy)
		fmt.Printf("  Clients        %d\n", status.Clients)
		fmt.Println()
		fmt.Println("Channels:")
		for _, ch := range status.Channels {
			if !ch.Active {
				fmt.Printf("  %-8s inactive\n", ch.Stream)
				continue
			}
			fmt.Printf("  %-8s %d/%d lines, mirror %s (%d bytes)\n",
				ch.Stream, ch.Buffered, ch.Capacity, ch.MirrorPath, ch.MirrorBytes)
		}
		return nil
	})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "usage: lecturecap <start|pause|resume|stop|discard|status|metadata|upload|validate|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "version":
		fmt.Println(version)
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		configPath := fs.String("config", "lecturecap.yaml", "Path to configuration file")
		fs.Parse(os.Args[2:])
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case protocol.CommandStart, protocol.CommandPause, protocol.CommandResume, protocol.CommandStop,
		protocol.CommandDiscard, protocol.CommandStatus, protocol.CommandMetadata, protocol.CommandUpload:
		if err := runControl(cmd, os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
}

func runControl(command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "lecturecap.yaml", "Path to configuration file")
	node := fs.String("node", "", "Node id (defaults to node.id from config)")
	title := fs.String("title", "", "Session title (metadata)")
	description := fs.String("description", "", "Session description (metadata)")
	classID := fs.String("class", "", "Class id (upload)")
	timeout := fs.Duration("timeout", 65*time.Second, "Request timeout")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	nodeID := cfg.Node.ID
	if *node != "" {
		nodeID = *node
	}

	req := protocol.ControlRequest{Command: command, ClassID: *classID}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			req.Title = title
		case "description":
			req.Description = description
		}
	})
	if command == protocol.CommandMetadata && req.Title == nil && req.Description == nil {
		return errors.New("metadata requires -title or -description")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, cfg.Bus, "lecturecap-cli", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := client.Conn().RequestWithContext(ctx, protocol.ControlSubject(nodeID), data)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	printReply(out, reply)
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}

func printReply(out io.Writer, reply protocol.ControlReply) {
	s := reply.Session
	fmt.Fprintf(out, "state:    %s (changed=%t)\n", s.State, reply.Changed)
	if s.ID != "" {
		fmt.Fprintf(out, "session:  %s\n", s.ID)
	}
	fmt.Fprintf(out, "elapsed:  %s\n", s.Elapsed)
	fmt.Fprintf(out, "audio:    %d chunks, %d bytes\n", s.ChunkCount, s.ChunkBytes)
	transcript := "unsupported"
	if s.TranscriptionSupported {
		transcript = fmt.Sprintf("%d segments", s.Segments)
		if s.Listening {
			transcript += ", listening"
		}
	}
	fmt.Fprintf(out, "speech:   %s\n", transcript)
	if s.Title != "" {
		fmt.Fprintf(out, "title:    %s\n", s.Title)
	}
	if d := strings.TrimSpace(s.Description); d != "" {
		fmt.Fprintf(out, "notes:    %s\n", d)
	}
	if reply.JobID != "" || s.JobID != "" {
		fmt.Fprintf(out, "job:      %s\n", firstNonEmpty(reply.JobID, s.JobID))
	}
	if reply.Error != "" {
		fmt.Fprintf(out, "error:    %s\n", reply.Error)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

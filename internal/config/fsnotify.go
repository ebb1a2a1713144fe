package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

func watchFSNotify(ctx context.Context, ch chan *Secrets, path string, watch bool) (*Secrets, <-chan *Secrets, error) {
	secrets, err := buildSecretsAtPath(path)
	if err != nil {
		return nil, nil, err
	}

	if !watch {
		close(ch)
		return secrets, ch, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	// the parent directory is watched so that atomic replacement
	// (write to temporary file and rename) is observed
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != path {
					continue
				}

				slog.Debug("Watcher event", "event", event)

				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				secrets, err := buildSecretsAtPath(path)
				if err != nil {
					slog.Error("Reloading secrets", "error", err)
					continue
				}

				select {
				case ch <- secrets:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				slog.Error("Watching secrets", "error", err)
			}
		}
	}()

	return secrets, ch, nil
}

func buildSecretsAtPath(path string) (*Secrets, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}

	defer fi.Close()

	var secrets Secrets
	if err := yaml.NewDecoder(fi).Decode(&secrets); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}

	if err := secrets.Validate(); err != nil {
		return nil, fmt.Errorf("validating secrets: %w", err)
	}

	return &secrets, nil
}

package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
)

const ftpTimeout = 30 * time.Second

// FTPSource reads CSV reports published to a directory on an FTP server.
type FTPSource struct {
	addr     string
	user     string
	password string
	dir      string
}

func NewFTPSource(addr, user, password, dir string) *FTPSource {
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	if dir == "" {
		dir = "/"
	}
	return &FTPSource{addr: addr, user: user, password: password, dir: dir}
}

func (f *FTPSource) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(f.addr, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	if err := conn.Login(f.user, f.password); err != nil {
		conn.Quit()
		return nil, backoff.Permanent(fmt.Errorf("ftp login: %w", err))
	}
	return conn, nil
}

// List returns the CSV report names in the source directory.
func (f *FTPSource) List(ctx context.Context) ([]string, error) {
	var names []string
	operation := func() error {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		entries, err := conn.List(f.dir)
		if err != nil {
			return fmt.Errorf("ftp list: %w", err)
		}
		names = names[:0]
		for _, e := range entries {
			if e.Type == ftp.EntryTypeFile && strings.EqualFold(path.Ext(e.Name), ".csv") {
				names = append(names, e.Name)
			}
		}
		return nil
	}

	if err := backoff.Retry(operation, f.backoff(ctx)); err != nil {
		return nil, err
	}
	return names, nil
}

// Fetch downloads one report by name.
func (f *FTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	operation := func() error {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		resp, err := conn.Retr(path.Join(f.dir, name))
		if err != nil {
			return fmt.Errorf("ftp retr: %w", err)
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		return nil
	}

	if err := backoff.Retry(operation, f.backoff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *FTPSource) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(bo, ctx)
}

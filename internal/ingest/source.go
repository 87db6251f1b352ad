package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/etapecal/internal/models"
)

const (
	ftpDefaultPort = "21"
	ftpTimeout     = 30 * time.Second
	maxSourceBytes = 64 << 20
	ftpMaxRetries  = 3
)

// Fetch reads the whole source into memory. A source is either a local path
// or an ftp:// URL; instrument PCs in the lab expose their logs over FTP.
// FTP transfers are retried, local files are not.
func Fetch(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "ftp://") {
		body, err := read(ctx, source)
		if err != nil {
			return nil, &models.MalformedInputError{Source: source, Err: err}
		}
		return body, nil
	}

	if _, err := parseFTPSource(source); err != nil {
		return nil, &models.MalformedInputError{Source: source, Err: err}
	}

	var body []byte
	operation := func() error {
		var err error
		body, err = read(ctx, source)
		if errors.Is(err, errTooLarge) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	notify := func(err error, wait time.Duration) {
		log.Printf("ingest: fetch %s failed, retrying in %v: %v", source, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, ftpMaxRetries), ctx), notify); err != nil {
		return nil, &models.MalformedInputError{Source: source, Err: err}
	}
	return body, nil
}

var errTooLarge = fmt.Errorf("larger than %d bytes", maxSourceBytes)

func read(ctx context.Context, source string) ([]byte, error) {
	rc, err := open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxSourceBytes {
		return nil, errTooLarge
	}
	return body, nil
}

func open(ctx context.Context, source string) (io.ReadCloser, error) {
	if !strings.HasPrefix(source, "ftp://") {
		return os.Open(source)
	}

	loc, err := parseFTPSource(source)
	if err != nil {
		return nil, err
	}

	conn, err := ftp.Dial(loc.addr, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	if err := conn.Login(loc.user, loc.password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	resp, err := conn.Retr(loc.path)
	if err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	return &ftpFile{resp: resp, conn: conn}, nil
}

type ftpLocation struct {
	addr     string
	user     string
	password string
	path     string
}

func parseFTPSource(source string) (ftpLocation, error) {
	u, err := url.Parse(source)
	if err != nil {
		return ftpLocation{}, fmt.Errorf("parse ftp url: %w", err)
	}
	if u.Host == "" || u.Path == "" || u.Path == "/" {
		return ftpLocation{}, fmt.Errorf("ftp url %q needs a host and a file path", source)
	}

	loc := ftpLocation{
		addr:     u.Host,
		user:     "anonymous",
		password: "anonymous",
		path:     u.Path,
	}
	if u.Port() == "" {
		loc.addr = net.JoinHostPort(u.Hostname(), ftpDefaultPort)
	}
	if u.User != nil {
		loc.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			loc.password = pw
		}
	}
	return loc, nil
}

type ftpFile struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (f *ftpFile) Read(p []byte) (int, error) { return f.resp.Read(p) }

func (f *ftpFile) Close() error {
	err := f.resp.Close()
	if qerr := f.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}

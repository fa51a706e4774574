package export

import (
	"context"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP uploader.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPUploader pushes placement files to agency FTP drops.
type FTPUploader struct {
	opts FTPOptions
}

// NewFTPUploader creates a new FTPUploader with the given options.
func NewFTPUploader(opts FTPOptions) *FTPUploader {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPUploader{opts: opts}
}

type ftpTarget struct {
	host     string
	dir      string
	user     string
	password string
}

// parseFTPURL extracts host (with port), remote directory and credentials
// from an FTP URL. Missing credentials log in anonymously.
func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return ftpTarget{}, eris.New("empty host in ftp url")
	}

	t := ftpTarget{host: u.Host, dir: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if t.dir == "" {
		t.dir = "/"
	}
	if u.User != nil {
		t.user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			t.password = p
		}
	}
	return t, nil
}

// Upload stores the local file under the drop directory of ftpURL and
// returns the remote path.
func (f *FTPUploader) Upload(ctx context.Context, ftpURL, localPath, remoteName string) (string, error) {
	t, err := parseFTPURL(ftpURL)
	if err != nil {
		return "", err
	}
	remote := t.dir
	if remote[len(remote)-1] != '/' {
		remote += "/"
	}
	remote += remoteName

	file, err := os.Open(localPath)
	if err != nil {
		return "", eris.Wrap(err, "open placement file")
	}
	defer file.Close() //nolint:errcheck

	zap.L().Debug("ftp: connecting", zap.String("host", t.host), zap.String("path", remote))

	conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(t.user, t.password); err != nil {
		return "", eris.Wrap(err, "ftp login")
	}
	if err := conn.Stor(remote, file); err != nil {
		return "", eris.Wrapf(err, "ftp store %s", remote)
	}
	return remote, nil
}

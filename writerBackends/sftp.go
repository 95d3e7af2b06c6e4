package writerbackends

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"videoworker/config"
	"videoworker/logger"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPStore publishes to a remote directory tree. Each bucket is a directory
// under BaseDir. A fresh session is dialled per operation.
type SFTPStore struct {
	addr    string
	baseDir string
	config  *ssh.ClientConfig
}

// NewSFTPStore prepares authentication and host key checking. Without a
// known_hosts file the host key is not verified.
func NewSFTPStore(st config.SFTPSettings) (*SFTPStore, error) {
	if st.Host == "" || st.User == "" {
		return nil, fmt.Errorf("missing required sftp settings: host, user")
	}
	port := st.Port
	if port == "" {
		port = "22"
	}

	var auths []ssh.AuthMethod
	if st.PrivateKey != "" {
		// try to decode as base64, fall back to raw
		keyBytes, err := base64.StdEncoding.DecodeString(st.PrivateKey)
		if err != nil {
			keyBytes = []byte(st.PrivateKey)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	} else if st.Password != "" {
		auths = append(auths, ssh.Password(st.Password))
	} else {
		return nil, fmt.Errorf("no auth method provided; set password or private_key")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if st.KnownHosts != "" {
		cb, err := knownhosts.New(st.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", st.KnownHosts, err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warnf("SFTP host key for %s will not be verified; set storage.sftp.known_hosts", st.Host)
	}

	baseDir := st.BaseDir
	if baseDir == "" {
		baseDir = "/"
	}

	return &SFTPStore{
		addr:    net.JoinHostPort(st.Host, port),
		baseDir: baseDir,
		config: &ssh.ClientConfig{
			User:            st.User,
			Auth:            auths,
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
	}, nil
}

// session dials the server and returns an SFTP client plus its cleanup.
func (s *SFTPStore) session(ctx context.Context) (*sftp.Client, func(), error) {
	// Dial respecting context
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial tcp %s: %w", s.addr, err)
	}

	// perform SSH handshake on the established connection
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", s.addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("create sftp client: %w", err)
	}
	return sftpClient, func() {
		sftpClient.Close()
		sshClient.Close()
	}, nil
}

func (s *SFTPStore) bucketDir(bucket string) (string, error) {
	if err := cleanBucket(bucket); err != nil {
		return "", err
	}
	return path.Join(s.baseDir, bucket), nil
}

func (s *SFTPStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return false, err
	}
	client, done, err := s.session(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	info, err := client.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s exists but is not a directory", dir)
	}
	return true, nil
}

func (s *SFTPStore) CreateBucket(ctx context.Context, bucket string) error {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return err
	}
	client, done, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := mkdirAllSFTP(client, dir); err != nil {
		return fmt.Errorf("ensure remote dir %s: %w", dir, err)
	}
	logger.Infof("Created bucket directory '%s' on %s", dir, s.addr)
	return nil
}

func (s *SFTPStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	remotePath := path.Join(dir, clean)

	client, done, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer done()

	// Ensure remote directory exists
	if err := mkdirAllSFTP(client, path.Dir(remotePath)); err != nil {
		return fmt.Errorf("ensure remote dir %s: %w", path.Dir(remotePath), err)
	}

	// Create (or truncate) remote file and copy data
	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("copy to remote file %s: %w", remotePath, err)
	}

	logger.Debugf("Uploaded '%s' to %s", remotePath, s.addr)
	return nil
}

func (s *SFTPStore) ListBuckets(ctx context.Context) ([]string, error) {
	client, done, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	entries, err := client.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *SFTPStore) Close() error { return nil }

// mkdirAllSFTP mimics os.MkdirAll for an SFTP server by creating each segment of the path.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	// Normalize and split path - use strings since sftp paths are posix-like
	parts := strings.Split(dir, "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}

	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if os.IsNotExist(err) {
				if err := client.Mkdir(cur); err != nil {
					return fmt.Errorf("mkdir %s: %w", cur, err)
				}
			} else {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
		}
	}
	return nil
}

package runtime

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"phobos.org.uk/harness/internal/config"
)

// sshConn is the production remoteConn over an SSH client.
type sshConn struct {
	client *ssh.Client
}

func dialSSH(cfg config.RemoteConfig) (remoteConn, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", cfg.KeyPath, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &sshConn{client: client}, nil
}

func (c *sshConn) OpenShell() (shellChannel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 200, 80, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	return &sshShell{sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (c *sshConn) OpenTransfer() (transferChannel, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("opening sftp channel: %w", err)
	}
	return &sftpTransfer{client: client}, nil
}

// Ping sends a keepalive global request and waits for the reply.
func (c *sshConn) Ping(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("keepalive reply not received within %v", timeout)
	}
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

type sshShell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *sshShell) Reader() io.Reader           { return s.stdout }

// Interrupt writes ETX, the ctrl-C byte the remote pty turns into SIGINT.
func (s *sshShell) Interrupt() error {
	_, err := s.stdin.Write([]byte{0x03})
	return err
}

func (s *sshShell) Close() error {
	s.stdin.Close()
	return s.sess.Close()
}

type sftpTransfer struct {
	client *sftp.Client
}

func (t *sftpTransfer) List(dir string) ([]FileInfo, error) {
	var files []FileInfo
	walker := t.client.Walk(dir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, err
		}
		info := walker.Stat()
		if info == nil || info.IsDir() {
			continue
		}
		rel := walker.Path()
		if r, err := relPath(dir, rel); err == nil {
			rel = r
		}
		files = append(files, FileInfo{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

func (t *sftpTransfer) Read(p string) ([]byte, error) {
	f, err := t.client.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (t *sftpTransfer) Write(p string, data []byte) error {
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := t.client.MkdirAll(dir); err != nil {
			return err
		}
	}
	f, err := t.client.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (t *sftpTransfer) Close() error {
	return t.client.Close()
}

// relPath strips the base directory prefix from a remote path.
func relPath(base, full string) (string, error) {
	base = path.Clean(base)
	full = path.Clean(full)
	if full == base {
		return ".", nil
	}
	prefix := base + "/"
	if len(full) > len(prefix) && full[:len(prefix)] == prefix {
		return full[len(prefix):], nil
	}
	return "", fmt.Errorf("%s is outside %s", full, base)
}

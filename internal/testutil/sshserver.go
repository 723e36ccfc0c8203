// Package testutil provides an in-process SSH/SFTP server for exercising
// the sftpd driver and the Deployer's end-to-end phases without a real
// network target. Generalized from the teacher's
// internal/testutils.go, which only ever echoed a fixed "id -u/-g"
// response; this version runs exec requests as real shell commands so
// remote-shell hook jobs and Execute can be tested faithfully, and binds
// an ephemeral port instead of a fixed one so tests can run in parallel.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"os/exec"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHServer is a minimal SSH server that serves the "sftp" subsystem and
// runs "exec" requests through the local shell.
type SSHServer struct {
	Addr     string
	listener net.Listener
	done     chan struct{}
}

// StartSSHServer binds an ephemeral localhost port and serves
// connections until Close is called.
func StartSSHServer() (*SSHServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &SSHServer{
		Addr:     listener.Addr().String(),
		listener: listener,
		done:     make(chan struct{}),
	}

	config, err := serverConfig()
	if err != nil {
		listener.Close()
		return nil, err
	}

	go s.serve(config)
	return s, nil
}

func (s *SSHServer) serve(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		sshConn, newChannels, _, err := ssh.NewServerConn(conn, config)
		if err != nil {
			conn.Close()
			continue
		}
		go handleChannels(newChannels)

		select {
		case <-s.done:
			sshConn.Close()
			return
		default:
		}
	}
}

// Close stops accepting new connections.
func (s *SSHServer) Close() error {
	close(s.done)
	return s.listener.Close()
}

func serverConfig() (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{NoClientAuth: true}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, err
	}
	config.AddHostKey(hostKey)
	return config, nil
}

func handleChannels(channels <-chan ssh.NewChannel) {
	for newChannel := range channels {
		go handleChannel(newChannel)
	}
}

type exitStatusMsg struct {
	Status uint32
}

func handleChannel(newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			go func() {
				defer channel.Close()
				sftpServer, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				defer sftpServer.Close()
				_ = sftpServer.Serve()
			}()
			req.Reply(true, nil)

		case "exec":
			cmd := parseExecPayload(req.Payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runExec(channel, cmd, req.WantReply)

		default:
			if req.WantReply {
				req.Reply(false, []byte("unsupported request"))
			}
		}
	}
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[3])
	if len(payload) < 4+n {
		return ""
	}
	return string(payload[4 : 4+n])
}

func runExec(channel ssh.Channel, cmdline string, wantReply bool) {
	defer channel.Close()

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(exitCode)}))
}

// InsecureHostKeyCallback accepts any host key, matching the teacher's
// use of ssh.InsecureIgnoreHostKey() for local test fixtures.
func InsecureHostKeyCallback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

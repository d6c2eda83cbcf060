// Command cas-server is the standalone remote CAS peer: a thin urfave/cli
// binary that opens a cas.Store and serves it over gRPC, optionally behind
// TLS/mTLS. Exit codes: 0 on a clean SIGINT shutdown, non-zero on
// TLS-argument mismatch or bind failure.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/urfave/cli"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/remote"
)

func main() {
	app := cli.NewApp()
	app.Name = "cas-server"
	app.Usage = "serve a BuildStream CAS cache root to remote peers"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "cache-root", Usage: "CAS cache root directory", Required: true},
		cli.StringFlag{Name: "listen", Value: ":11001", Usage: "address to listen on"},
		cli.BoolFlag{Name: "allow-push", Usage: "accept ByteStream.Write / UpdateArtifact from clients"},
		cli.StringFlag{Name: "server-key", Usage: "TLS private key path"},
		cli.StringFlag{Name: "server-cert", Usage: "TLS certificate path"},
		cli.StringFlag{Name: "client-certs", Usage: "CA bundle for verifying client certs (enables mTLS)"},
		cli.StringFlag{Name: "auth-secret", Usage: "HS256 secret; when set, every RPC must carry a matching bearer token alongside any mTLS"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("cas-server: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeErr carries a specific process exit code alongside the error
// message urfave/cli prints.
type exitCodeErr struct {
	code int
	err  error
}

func (e *exitCodeErr) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	if ec, ok := err.(*exitCodeErr); ok {
		return ec.code
	}
	return 1
}

func run(c *cli.Context) error {
	root := c.String("cache-root")
	store, err := cas.Open(root)
	if err != nil {
		return &exitCodeErr{1, fmt.Errorf("cannot open CAS root %q: %w", root, err)}
	}

	tlsConfig, err := buildServerTLS(c)
	if err != nil {
		return &exitCodeErr{2, err} // TLS-argument mismatch
	}

	lis, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return &exitCodeErr{3, fmt.Errorf("cannot bind %q: %w", c.String("listen"), err)} // bind failure
	}

	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	auth := remote.NewTokenAuth(c.String("auth-secret"))
	if auth != nil {
		opts = append(opts, grpc.UnaryInterceptor(auth.UnaryInterceptor), grpc.StreamInterceptor(auth.StreamInterceptor))
	}
	gs := grpc.NewServer(opts...)
	srv := remote.NewServer(store, c.Bool("allow-push"))
	remote.Register(gs, srv)

	glog.Infof("cas-server: serving %s on %s (push=%v, tls=%v, auth=%v)", root, c.String("listen"), c.Bool("allow-push"), tlsConfig != nil, auth != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-sigCh:
		glog.Infof("cas-server: received interrupt, shutting down")
		gs.GracefulStop()
		return nil // clean SIGINT shutdown: exit code 0
	case err := <-errCh:
		if err != nil {
			return &exitCodeErr{3, fmt.Errorf("serve failed: %w", err)}
		}
		return nil
	}
}

// buildServerTLS assembles the server's TLS config from --server-key,
// --server-cert and optional --client-certs (mutual TLS)"TLS".
// Providing exactly one of --server-key/--server-cert is the "TLS-argument
// mismatch" error case.
func buildServerTLS(c *cli.Context) (*tls.Config, error) {
	key, cert := c.String("server-key"), c.String("server-cert")
	if key == "" && cert == "" {
		if c.String("client-certs") != "" {
			return nil, fmt.Errorf("--client-certs requires --server-key and --server-cert")
		}
		return nil, nil
	}
	if key == "" || cert == "" {
		return nil, fmt.Errorf("--server-key and --server-cert must both be set")
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("cannot load server TLS key pair: %w", err)
	}
	tc := &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	if caPath := c.String("client-certs"); caPath != "" {
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("client CA bundle %q contains no usable certificates", caPath)
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

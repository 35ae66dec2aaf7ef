// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/lib/testutil"
)

func TestHTTPServerServesAndShutsDown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	server := NewHTTPServer(HTTPServerConfig{
		Address: "127.0.0.1:0",
		Handler: handler,
		Logger:  testutil.DiscardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get("http://" + server.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestHTTPServerBindFailure(t *testing.T) {
	first := NewHTTPServer(HTTPServerConfig{
		Address: "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
		Logger:  testutil.DiscardLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Serve(ctx)
	<-first.Ready()

	second := NewHTTPServer(HTTPServerConfig{
		Address: first.Addr().String(),
		Handler: http.NotFoundHandler(),
		Logger:  testutil.DiscardLogger(),
	})
	if err := second.Serve(context.Background()); err == nil {
		t.Fatal("expected bind error on occupied port")
	}
}

func TestTokensEqual(t *testing.T) {
	if !TokensEqual("secret", "secret") {
		t.Fatal("identical tokens should match")
	}
	if TokensEqual("secret", "other") {
		t.Fatal("different tokens should not match")
	}
	if TokensEqual("", "") {
		t.Fatal("empty expected token must never match")
	}
}

func TestNewHTTPServerValidation(t *testing.T) {
	cases := []struct {
		name   string
		config HTTPServerConfig
	}{
		{"missing address", HTTPServerConfig{Handler: http.NotFoundHandler(), Logger: testutil.DiscardLogger()}},
		{"missing handler", HTTPServerConfig{Address: ":0", Logger: testutil.DiscardLogger()}},
		{"missing logger", HTTPServerConfig{Address: ":0", Handler: http.NotFoundHandler()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			NewHTTPServer(tc.config)
		})
	}
}

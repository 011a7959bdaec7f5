package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestConsoleSendAndExpect(t *testing.T) {
	client, server := net.Pipe()
	c := NewConsoleEngine("console:7001", client)
	defer c.Close()

	received := make(chan string, 1)
	go func() {
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\r')
		received <- line
		server.Write([]byte("GNU GRUB  version 2.02\n  *SONiC-OS\n   ONIE\n"))
	}()

	if err := c.SendLine("reboot"); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if got := <-received; got != "reboot\r" {
		t.Errorf("device received %q", got)
	}

	out, err := c.Expect(context.Background(), regexp.MustCompile(`ONIE`), time.Second)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if !strings.Contains(out, "GNU GRUB") {
		t.Errorf("output = %q", out)
	}
	server.Close()
}

func TestConsoleExpectTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConsoleEngine("console:7002", client)
	defer c.Close()

	_, err := c.Expect(context.Background(), regexp.MustCompile(`login:`), 50*time.Millisecond)
	if !errors.Is(err, ErrExpectTimeout) {
		t.Errorf("err = %v, want ErrExpectTimeout", err)
	}
}

func TestConsoleExpectEOF(t *testing.T) {
	client, server := net.Pipe()
	c := NewConsoleEngine("console:7003", client)
	defer c.Close()

	go func() {
		server.Write([]byte("partial"))
		server.Close()
	}()
	out, err := c.Expect(context.Background(), regexp.MustCompile(`login:`), time.Second)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if out != "partial" {
		t.Errorf("remaining output = %q, want partial", out)
	}
}

func TestConsoleExpectKeepsOutputAcrossTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConsoleEngine("console:7004", client)
	defer c.Close()

	go server.Write([]byte("Installed SONiC base "))
	out, err := c.Expect(context.Background(), regexp.MustCompile(`successfully`), 200*time.Millisecond)
	if !errors.Is(err, ErrExpectTimeout) {
		t.Fatalf("err = %v, want ErrExpectTimeout", err)
	}
	if out != "Installed SONiC base " {
		t.Errorf("output at timeout = %q", out)
	}

	go server.Write([]byte("image SONiC-OS successfully\n"))
	out, err = c.Expect(context.Background(), regexp.MustCompile(`Installed SONiC base image SONiC-OS successfully`), time.Second)
	if err != nil {
		t.Fatalf("Expect after timeout: %v", err)
	}
	if out != "Installed SONiC base image SONiC-OS successfully" {
		t.Errorf("output = %q", out)
	}
}

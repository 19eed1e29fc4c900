// Command send_test_email pushes one message through a running relay.
//
// Forward leg:
//
//	go run ./test-scripts -from shop@merchant.example -to x7f2@relay.example
//
// Reply leg, using the reply handle from the forwarded copy's From header:
//
//	go run ./test-scripts -from real@example.com -to reply+...@relay.example
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
)

func main() {
	// Configure logging
	log.SetFlags(log.Ldate | log.Ltime)
	log.SetPrefix("[test-email] ")

	// Parse command line arguments
	host := flag.String("host", "localhost", "SMTP server host")
	port := flag.Int("port", 20381, "SMTP server port")
	fromAddr := flag.String("from", "sender@example.com", "From email address")
	fromName := flag.String("name", "Test Sender", "From display name")
	toAddr := flag.String("to", "foo@localhost.localdomain", "To email address")
	subject := flag.String("subject", "Test Subject Word1 Word2", "Email subject")
	body := flag.String("body", "This is a test email body.", "Email body")
	flag.Parse()

	msg, err := compose(*fromName, *fromAddr, *toAddr, *subject, *body)
	if err != nil {
		log.Fatalf("Failed to build message: %v", err)
	}

	// Prepare server address
	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	log.Printf("Attempting to connect to %s...", addr)

	// Create SMTP client
	client, err := smtp.Dial(addr)
	if err != nil {
		if os.IsTimeout(err) {
			log.Fatalf("Connection timeout - Is the SMTP server running on %s?", addr)
		}
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()
	log.Println("Connected to server")

	if err := client.Hello("localhost"); err != nil {
		log.Fatalf("Failed to greet server: %v", err)
	}

	// Set sender and recipient
	if err := client.Mail(*fromAddr, nil); err != nil {
		log.Fatalf("Failed to set sender: %v", err)
	}
	if err := client.Rcpt(*toAddr, nil); err != nil {
		log.Fatalf("Failed to set recipient: %v", err)
	}

	// Send the email body
	log.Println("Attempting to send message...")
	writer, err := client.Data()
	if err != nil {
		log.Fatalf("Failed to start data transaction: %v", err)
	}
	if _, err := writer.Write(msg); err != nil {
		log.Fatalf("Failed to write message: %v", err)
	}
	if err := writer.Close(); err != nil {
		log.Fatalf("Relay refused the message: %v", err)
	}

	// Quit the connection
	if err := client.Quit(); err != nil {
		log.Printf("Warning: Failed to close connection cleanly: %v", err)
	}

	log.Println("Email accepted by the relay")
	log.Printf("From: %s", *fromAddr)
	log.Printf("To: %s", *toAddr)
	log.Printf("Subject: %s", *subject)
}

func compose(name, from, to, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: name, Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body+"\r\n"); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

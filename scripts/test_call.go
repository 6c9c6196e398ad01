package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/beacon/pkg/beacon"
)

// Places one call through the configured telephony provider so contact
// numbers and credentials can be checked before going live.
func main() {
	configPath := flag.String("config", "examples/emergency/config.local.yaml", "")
	to := flag.String("to", "", "number to call; defaults to the contact of -contact")
	contact := flag.String("contact", "primary", "contact type used when -to is empty")
	message := flag.String("message", "This is a test call from the emergency assistant. No action is needed.", "")
	flag.Parse()

	cfg, err := beacon.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	number := strings.TrimSpace(*to)
	if number == "" {
		number = strings.TrimSpace(cfg.Emergency.Contacts[*contact])
	}
	if number == "" {
		fmt.Println("usage: test_call -to=+123 [-config=...] or set emergency.contacts." + *contact)
		os.Exit(1)
	}
	dialer, err := beacon.DefaultProviders().BuildDialer(cfg.Telephony)
	if err != nil {
		fmt.Println("telephony error:", err)
		os.Exit(1)
	}
	if dialer == nil {
		fmt.Println("telephony.provider is not set")
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	callSID, err := dialer.Dial(ctx, number, *message)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

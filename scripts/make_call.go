package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/callbridge/pkg/callbridge"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/transports"
	twiliotransport "github.com/harunnryd/callbridge/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "", "")
	to := flag.String("to", "", "")
	prompt := flag.String("prompt", "", "")
	firstMessage := flag.String("first_message", "", "")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-prompt=...] [-first_message=...] [-config=...]")
		os.Exit(1)
	}
	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Telephony.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if settings.PublicURL == "" {
		fmt.Println("telephony.settings.public_url is empty")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dialer := twiliotransport.NewDialer(settings)
	callSID, err := dialer.Call(ctx, transports.CallRequest{
		To:           *to,
		Prompt:       *prompt,
		FirstMessage: *firstMessage,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/jroimartin/gocui"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"postbox/client"
	"postbox/configs"
	"postbox/crypto/keys"
)

var logger = logrus.New()

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run main.go <userID>")
		return
	}
	userID := os.Args[1]

	// Per-user env files make it easy to run two accounts side by side.
	if err := godotenv.Load(".env." + userID); err != nil {
		godotenv.Load(".env")
	}

	cfg, err := configs.Load()
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	identityKey, err := loadKey("IDENTITY_KEY", keys.IdentityKeyFromRaw)
	if err != nil {
		logger.Fatalf("Failed to load IDENTITY_KEY: %v", err)
	}
	prekey, err := loadKey("PREKEY", keys.AgreementKeyFromRaw)
	if err != nil {
		logger.Fatalf("Failed to load PREKEY: %v", err)
	}

	mailboxID := os.Getenv("MAILBOX_ID")
	if mailboxID == "" {
		mailboxID = "mbx-" + userID
	}

	store := client.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddress}))
	app := client.NewChatApp(context.Background(), userID, mailboxID, cfg.ServerAddress, identityKey, prekey, store, logger)

	if err := app.InitGui(); err != nil {
		logger.Fatalf("Error initializing gocui interface: %v", err)
	}
	defer app.Gui.Close()

	if err := app.PostKeys(); err != nil {
		logger.Fatalf("Error publishing keys: %v", err)
	}
	if err := app.PromptRecipientID(); err != nil {
		logger.Fatalf("Error prompting recipient ID: %v", err)
	}

	if err := app.Gui.MainLoop(); err != nil && !errors.Is(err, gocui.ErrQuit) {
		logger.Fatalf("Error in gocui main loop: %v", err)
	}
	logger.Info("Application exited.")
}

func loadKey[T any](envVar string, fromRaw func([]byte) (T, error)) (T, error) {
	var zero T
	raw, err := hex.DecodeString(os.Getenv(envVar))
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, fmt.Errorf("%s is empty", envVar)
	}
	return fromRaw(raw)
}

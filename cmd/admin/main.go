package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"matchwire/backend/internal/api/handler"
	"matchwire/backend/internal/config"
	"matchwire/backend/internal/storage"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func usage() {
	fmt.Println("Usage: admin <command> [args]")
	fmt.Println("  token <user_id> [ttl_in_hours]   issue a connection token")
	fmt.Println("  history <match_id> [limit]       print the latest messages of a match")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	switch os.Args[1] {
	case "token":
		if len(os.Args) < 3 {
			fmt.Println("Usage: admin token <user_id> [ttl_in_hours]")
			os.Exit(1)
		}
		ttl := cfg.TokenTTL
		if len(os.Args) > 3 {
			hours, err := strconv.Atoi(os.Args[3])
			if err != nil || hours <= 0 {
				fmt.Println("Invalid ttl. Please provide a positive integer.")
				os.Exit(1)
			}
			ttl = time.Duration(hours) * time.Hour
		}
		token, err := handler.NewJWTIdentity(cfg.JWTSecret, ttl).Issue(os.Args[2])
		if err != nil {
			log.Fatalf("Error issuing token: %v", err)
		}
		fmt.Println(token)

	case "history":
		if len(os.Args) < 3 {
			fmt.Println("Usage: admin history <match_id> [limit]")
			os.Exit(1)
		}
		limit := config.DefaultHistoryLimit
		if len(os.Args) > 3 {
			limit, err = strconv.Atoi(os.Args[3])
			if err != nil || limit <= 0 {
				fmt.Println("Invalid limit. Please provide a positive integer.")
				os.Exit(1)
			}
		}
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			log.Fatalf("failed to connect database: %v", err)
		}
		if err := printHistory(storage.NewStorageService(db, zerolog.Nop()), os.Args[2], limit); err != nil {
			log.Fatalf("Error reading history: %v", err)
		}

	default:
		fmt.Println("Unknown command")
		usage()
	}
}

func printHistory(s storage.MessageStore, matchID string, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := s.ListMessages(ctx, matchID, "", limit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		body := m.Content
		if m.Attachment != nil {
			body += " [" + m.Attachment.ContentType + " " + m.Attachment.URL + "]"
		}
		fmt.Printf("%s  %-26s %-8s %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.ID, m.Type, m.SenderID, body)
	}
	return nil
}

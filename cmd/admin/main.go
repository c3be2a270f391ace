package main

import (
	"context"
	"crewlink/backend/internal/api/handler"
	"crewlink/backend/internal/bridge"
	"crewlink/backend/internal/bus"
	"crewlink/backend/internal/codec"
	"crewlink/backend/internal/config"
	"crewlink/backend/internal/idgen"
	"crewlink/backend/internal/localization"
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/notification"
	"crewlink/backend/internal/storage"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const usage = `Usage: admin <command> [args]

Commands:
  decode-id <id> [epoch]               split an id into time, node and sequence
  next-id <node> [count]               mint ids for a node (diagnostics only)
  migrate                              create or update the tables
  token <user_id> [internal]           mint a bearer token
  notify <receiver_id> <type> <post_id|-> <message>
                                       store and publish a notification`

// adminNodeID is reserved for this tool so its ids never collide with a
// running server's. Deployments assign servers nodes below it.
const adminNodeID = idgen.MaxNodeID

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]

	switch command {
	case "decode-id":
		if len(args) < 1 || len(args) > 2 {
			exitUsage("admin decode-id <id> [epoch RFC3339]")
		}
		id := parseID(args[0], "id")
		epoch := idgen.DefaultEpoch
		if len(args) == 2 {
			t, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				exitUsage("Invalid epoch. Please provide an RFC3339 time.")
			}
			epoch = t
		}
		printJSON(idgen.Decompose(id, epoch))

	case "next-id":
		if len(args) < 1 || len(args) > 2 {
			exitUsage("admin next-id <node> [count]")
		}
		node, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			exitUsage("Invalid node. Please provide an integer.")
		}
		count := 1
		if len(args) == 2 {
			if count, err = strconv.Atoi(args[1]); err != nil || count < 1 {
				exitUsage("Invalid count. Please provide a positive integer.")
			}
		}
		if err := nextIDs(node, count); err != nil {
			log.Fatalf("Error issuing ids: %v", err)
		}

	case "migrate":
		cfg := mustConfig()
		db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, zap.NewNop())
		if err != nil {
			log.Fatalf("failed to connect database: %v", err)
		}
		if err := storage.Migrate(db); err != nil {
			log.Fatalf("Error migrating: %v", err)
		}
		fmt.Println("Migrations complete.")

	case "token":
		if len(args) < 1 || len(args) > 2 {
			exitUsage("admin token <user_id> [internal]")
		}
		userID := parseID(args[0], "user id")
		scope := ""
		if len(args) == 2 {
			if args[1] != handler.ScopeInternal {
				exitUsage("The only scope is " + handler.ScopeInternal)
			}
			scope = handler.ScopeInternal
		}
		cfg := mustConfig()
		auth := handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		token, err := auth.GenerateToken(userID, scope)
		if err != nil {
			log.Fatalf("Error signing token: %v", err)
		}
		fmt.Println(token)

	case "notify":
		if len(args) != 4 {
			exitUsage("admin notify <receiver_id> <type> <post_id|-> <message>")
		}
		receiver := parseID(args[0], "receiver id")
		typ := models.NotificationType(args[1])
		if !typ.Valid() {
			exitUsage("Unknown notification type " + args[1])
		}
		var postID *uint64
		if args[2] != "-" {
			id := parseID(args[2], "post id")
			postID = &id
		}
		n, created, err := notify(mustConfig(), receiver, typ, postID, args[3])
		if err != nil {
			log.Fatalf("Error notifying: %v", err)
		}
		if !created {
			fmt.Printf("Notification already exists (id %d), nothing published.\n", n.ID)
			return
		}
		fmt.Printf("Notification %d has been sent.\n", n.ID)

	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func exitUsage(msg string) {
	fmt.Println(msg)
	os.Exit(1)
}

func parseID(s, what string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		exitUsage(fmt.Sprintf("Invalid %s. Please provide a positive integer.", what))
	}
	return id
}

func mustConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func printJSON(v any) {
	out, err := codec.JSON.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(out))
}

func nextIDs(node int64, count int) error {
	g, err := idgen.New(node)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		id, err := g.NextID()
		if err != nil {
			return err
		}
		fmt.Println(id)
	}
	return nil
}

// notify goes through the same service as the HTTP endpoint, so connected
// users get the push.
func notify(cfg *config.Config, receiver uint64, typ models.NotificationType, postID *uint64, message string) (*models.Notification, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	zlog := zap.NewNop()
	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, zlog)
	if err != nil {
		return nil, false, err
	}
	b, err := bus.Open(ctx, bus.Options{
		Driver:        cfg.Bus.Driver,
		RedisAddr:     cfg.Bus.Redis.Addr,
		RedisPassword: cfg.Bus.Redis.Password,
		RedisDB:       cfg.Bus.Redis.DB,
		AMQPURL:       cfg.Bus.AMQP.URL,
		AMQPExchange:  cfg.Bus.AMQP.Exchange,
		PGNotifyDSN:   cfg.Bus.PGNotifyDSN,
	}, zlog)
	if err != nil {
		return nil, false, err
	}
	defer b.Close()

	ids, err := idgen.New(adminNodeID, idgen.WithEpoch(cfg.IDs.Epoch))
	if err != nil {
		return nil, false, err
	}
	loc, err := localization.Default()
	if err != nil {
		return nil, false, err
	}

	// Nothing is delivered locally: the admin process holds no connections.
	publisher := bridge.NewNotificationBridge(b, cfg.Bus.NotificationChannel, nil, zlog, nil)
	svc := notification.NewService(storage.NewStorageService(db), ids, publisher, loc, zlog)
	return svc.Notify(ctx, receiver, typ, postID, message)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	jwtpkg "sitegate/backend/internal/auth/jwt"
	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/config"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/service"
	"sitegate/backend/internal/storage"
	"sitegate/backend/internal/storage/postgres"
)

func main() {
	email := flag.String("email", "", "用户不存在时以该邮箱创建")
	planName := flag.String("plan", "", "为新用户创建的套餐名称（留空则不绑定套餐）")
	planLimit := flag.Int64("plan-limit", 0, "套餐 API 调用上限，0 表示不限")
	name := flag.String("name", "", "密钥名称（用于展示）")
	expires := flag.Duration("expires", 0, "有效期，例如 720h；0 表示永不过期")
	withSession := flag.Bool("session", true, "同时签发浏览器会话令牌")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: create-apikey [-email=dev@example.com] [-plan=Pro -plan-limit=10000] [-name=ci] [-expires=720h] <user-id>")
		os.Exit(1)
	}
	userID := flag.Arg(0)

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("SITEGATE_DATABASE_TYPE is not set; keys created in memory storage would be lost on exit")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// 确保用户存在
	if err := ensureUser(ctx, store, userID, *email, *planName, *planLimit); err != nil {
		fmt.Printf("Failed to prepare user: %v\n", err)
		os.Exit(1)
	}

	clk := clock.Real()
	input := service.CreateAPIKeyInput{UserID: userID, Name: *name}
	if *expires > 0 {
		input.ExpiresIn = expires
	}

	key, raw, err := service.NewAPIKeyService(store, clk).CreateAPIKey(ctx, input)
	if err != nil {
		fmt.Printf("Failed to create api key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key created for user %s\n", userID)
	fmt.Printf("ID:      %s\n", key.ID)
	fmt.Printf("Prefix:  %s\n", key.KeyPrefix)
	if key.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("Key:     %s\n", raw)

	if *withSession {
		sessions := service.NewSessionService(store, jwtpkg.NewManager(cfg.Session.Secret, cfg.Session.Issuer), cfg.Session.Expiry, clk)
		session, token, err := sessions.IssueSession(ctx, service.IssueSessionInput{UserID: userID, UserAgent: "create-apikey"})
		if err != nil {
			fmt.Printf("Failed to issue session: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Session: %s=%s (expires %s)\n", cfg.Session.CookieName, token, session.ExpiresAt.Format(time.RFC3339))
	}

	fmt.Println("Store these credentials now; they cannot be shown again.")
}

// openStore 按配置连接关系型数据库
func openStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	switch cfg.Database.Type {
	case "postgres":
		client, err := postgres.NewClient(ctx, cfg.Database, zap.NewNop())
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewStore(client, postgres.OptionsFromConfig(cfg.Database))
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	case "mysql":
		return postgres.NewMySQLStore(cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

// ensureUser 用户不存在时按参数创建用户与套餐
func ensureUser(ctx context.Context, store storage.Store, userID, email, planName string, planLimit int64) error {
	_, err := store.GetUser(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		return err
	}
	if email == "" {
		return fmt.Errorf("user %s not found; pass -email to create it", userID)
	}

	user := &domain.User{ID: userID, Email: email, IsActive: true}
	if planName != "" {
		plan := &domain.Plan{Name: planName, APILimit: planLimit}
		if err := store.SavePlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		user.PlanID = &plan.ID
		fmt.Printf("Plan created: %s (%s, limit %d)\n", plan.Name, plan.ID, plan.APILimit)
	}

	if err := store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Printf("User created: %s <%s>\n", user.ID, user.Email)
	return nil
}

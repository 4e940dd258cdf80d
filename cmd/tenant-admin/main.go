package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"botfleet/internal/api"
	"botfleet/internal/database"
	"botfleet/internal/logging"
	"botfleet/internal/tier"
)

func main() {
	_ = godotenv.Load()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Println("DATABASE_URL is not set")
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{Level: "WARN", Output: "stderr", Component: "tenant-admin"})

	db, err := database.NewDB(url, 4, logger)
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background()); err != nil {
		fmt.Printf("Failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	repo := database.NewRepository(db)
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("========================================")
	fmt.Println(" Tenant Administration Tool")
	fmt.Println("========================================")

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Create tenant")
		fmt.Println("  2. Set subscription tier")
		fmt.Println("  3. List tenants")
		fmt.Println("  4. Show tenant details")
		fmt.Println("  5. Issue API token")
		fmt.Println("  6. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		switch strings.TrimSpace(input) {
		case "1":
			createTenant(reader, repo)
		case "2":
			setSubscription(reader, repo)
		case "3":
			listTenants(repo)
		case "4":
			showTenant(reader, repo)
		case "5":
			issueToken(reader)
		case "6":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func createTenant(reader *bufio.Reader, repo *database.Repository) {
	fmt.Println("\n--- Create Tenant ---")

	t := &database.Tenant{
		ID:    prompt(reader, "Tenant ID: "),
		Name:  prompt(reader, "Name: "),
		Email: prompt(reader, "Email: "),
	}
	if t.ID == "" {
		fmt.Println("Tenant ID is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.CreateTenant(ctx, t); err != nil {
		fmt.Printf("Failed to create tenant: %v\n", err)
		return
	}
	fmt.Printf("Tenant %s created on the free tier\n", t.ID)
}

func pickTier(reader *bufio.Reader) (tier.Tier, bool) {
	fmt.Println("Tiers:")
	fmt.Println("  1. Free         (1 bot)")
	fmt.Println("  2. Basic        (3 bots)")
	fmt.Println("  3. Premium      (10 bots)")
	fmt.Println("  4. Professional (50 bots)")
	fmt.Println("  5. Enterprise   (unlimited)")

	switch prompt(reader, "Select tier (1-5): ") {
	case "1":
		return tier.TierFree, true
	case "2":
		return tier.TierBasic, true
	case "3":
		return tier.TierPremium, true
	case "4":
		return tier.TierProfessional, true
	case "5":
		return tier.TierEnterprise, true
	default:
		fmt.Println("Invalid tier")
		return "", false
	}
}

func setSubscription(reader *bufio.Reader, repo *database.Repository) {
	fmt.Println("\n--- Set Subscription ---")

	tenantID := prompt(reader, "Tenant ID: ")
	t, ok := pickTier(reader)
	if !ok {
		return
	}

	var expiresAt *time.Time
	if days := prompt(reader, "Expires in days (empty for never): "); days != "" {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n <= 0 {
			fmt.Println("Invalid day count")
			return
		}
		exp := time.Now().AddDate(0, 0, n)
		expiresAt = &exp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.SetSubscription(ctx, tenantID, t, expiresAt); err != nil {
		fmt.Printf("Failed to set subscription: %v\n", err)
		return
	}

	fmt.Printf("Tenant %s is now on the %s tier", tenantID, t)
	if expiresAt != nil {
		fmt.Printf(" until %s", expiresAt.Format("2006-01-02"))
	}
	fmt.Println()
}

func listTenants(repo *database.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		fmt.Printf("Failed to list tenants: %v\n", err)
		return
	}

	fmt.Printf("\n%-20s %-25s %-30s %s\n", "ID", "NAME", "EMAIL", "ACTIVE")
	for _, t := range tenants {
		fmt.Printf("%-20s %-25s %-30s %v\n", t.ID, t.Name, t.Email, t.IsActive)
	}
	fmt.Printf("\n%d tenant(s)\n", len(tenants))
}

func showTenant(reader *bufio.Reader, repo *database.Repository) {
	tenantID := prompt(reader, "Tenant ID: ")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t, err := repo.GetTenant(ctx, tenantID)
	if err != nil {
		fmt.Printf("Failed to fetch tenant: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  ID:      %s\n", t.ID)
	fmt.Printf("  Name:    %s\n", t.Name)
	fmt.Printf("  Email:   %s\n", t.Email)
	fmt.Printf("  Active:  %v\n", t.IsActive)
	fmt.Printf("  Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))

	sub, err := repo.ActiveSubscription(ctx, tenantID)
	if err != nil {
		fmt.Printf("Failed to fetch subscription: %v\n", err)
		return
	}
	if sub == nil {
		fmt.Println("  Tier:    free (no active subscription)")
	} else {
		fmt.Printf("  Tier:    %s\n", sub.Tier)
		if sub.ExpiresAt != nil {
			fmt.Printf("  Expires: %s\n", sub.ExpiresAt.Format("2006-01-02"))
		}
	}
	limits := tier.GetLimits(tierOf(sub))
	fmt.Printf("  Limits:  bots=%d capital=%.0f api/hour=%d restarts=%d\n",
		limits.MaxConcurrentBots, limits.MaxAllocatedCapital,
		limits.MaxAPICallsPerHour, limits.RestartBudget)
	fmt.Println("========================================")
}

func tierOf(sub *database.Subscription) tier.Tier {
	if sub == nil || !tier.Valid(sub.Tier) {
		return tier.TierFree
	}
	return sub.Tier
}

func issueToken(reader *bufio.Reader) {
	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		fmt.Println("AUTH_JWT_SECRET is not set")
		return
	}

	tenantID := prompt(reader, "Tenant ID: ")
	role := prompt(reader, "Role (user/admin): ")
	if role != "admin" {
		role = "user"
	}

	ttl := 24 * time.Hour
	if d := prompt(reader, "Validity (e.g. 72h, empty for 24h): "); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			fmt.Printf("Invalid duration: %v\n", err)
			return
		}
		ttl = parsed
	}

	manager := api.NewJWTManager(secret, ttl)
	token, err := manager.Generate(api.TenantClaims{TenantID: tenantID, Role: role})
	if err != nil {
		fmt.Printf("Failed to generate token: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  Tenant: %s\n", tenantID)
	fmt.Printf("  Role:   %s\n", role)
	fmt.Printf("  Valid:  %s\n", ttl)
	fmt.Printf("  Token:  %s\n", token)
	fmt.Println("========================================")
}

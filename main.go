package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"ffrace-go/cogs"
	"ffrace-go/race"
	"ffrace-go/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
)

var botStatus atomic.Value

func main() {
	botStatus.Store("starting")
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment directly")
	}
	cfg := utils.LoadConfig()

	// Cancelled on shutdown; countdowns and the reaper watch it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go startHealthServer(cfg.HealthAddr)

	var persist race.Persister = race.NopPersister{}
	var accounts race.AccountStore = race.NopAccountStore{}
	db, err := utils.SetupDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("Database setup failed: %v", err)
		log.Println("Bot will continue without persistence")
	} else if db != nil {
		log.Println("Database connected successfully")
		defer db.Close()
		persist = db
		accounts = db
	}

	store := race.NewStore(persist)
	ledger := race.NewLedger(accounts)
	if db != nil {
		sessions, err := db.LoadSessions(ctx)
		if err != nil {
			log.Printf("Failed to load races: %v", err)
		} else {
			store.Load(sessions)
			log.Printf("Restored %d race(s)", len(sessions))
		}
		if err := ledger.LoadAll(ctx); err != nil {
			log.Printf("Failed to load user accounts: %v", err)
		}
	}
	svc := race.NewService(store, ledger)
	seeds := utils.NewSeedGenerator(cfg)

	raceCog := cogs.NewRaceCog(ctx, svc, seeds, cfg)
	userCog := cogs.NewUserCog(ctx, svc, seeds)

	if cfg.Token == "" {
		log.Println("DISCORD_BOT_TOKEN not set - Discord bot will not connect")
		botStatus.Store("no_token")
		select {}
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		log.Fatalf("Failed to create Discord session: %v", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	session.AddHandler(func(s *discordgo.Session, event *discordgo.Ready) {
		onReady(s, event, raceCog, userCog)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if raceCog.OnInteraction(s, i) {
			return
		}
		userCog.OnInteraction(s, i)
	})
	session.AddHandler(raceCog.OnMessage)

	if err := session.Open(); err != nil {
		log.Fatalf("Failed to open Discord connection: %v", err)
	}
	defer session.Close()

	reaper := race.NewReaper(store, &cogs.RoomCleaner{Session: session}, cfg.InactivityThreshold, cfg.SweepInterval)
	reaper.Start(ctx)
	defer reaper.Stop()

	log.Println("Bot is now running. Press CTRL+C to exit.")
	botStatus.Store("running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-stop

	log.Println("Gracefully shutting down...")
	botStatus.Store("shutting_down")
	cancel()
}

func onReady(s *discordgo.Session, event *discordgo.Ready, raceCog *cogs.RaceCog, userCog *cogs.UserCog) {
	log.Printf("Discord bot logged in as %s (ID: %s)", event.User.Username, event.User.ID)
	botStatus.Store("online")

	if err := s.UpdateStatusComplex(discordgo.UpdateStatusData{
		Activities: []*discordgo.Activity{
			{
				Name: "Final Fantasy races",
				Type: discordgo.ActivityTypeWatching,
			},
		},
		Status: "online",
	}); err != nil {
		log.Printf("Failed to update status: %v", err)
	}

	commands := append(raceCog.Commands(), userCog.Commands()...)
	for _, command := range commands {
		if _, err := s.ApplicationCommandCreate(s.State.User.ID, "", command); err != nil {
			log.Printf("Failed to create command %s: %v", command.Name, err)
		}
	}
	log.Printf("Registered %d slash commands", len(commands))
}

func startHealthServer(addr string) {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Race Bot Status: %s", botStatus.Load())
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"race-bot","bot_status":"%s"}`, botStatus.Load())
	})

	log.Printf("Health server starting on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Printf("Health server error: %v", err)
	}
}

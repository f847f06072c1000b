package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/trackguard/trackmesh/pkg/anonymize"
	"github.com/trackguard/trackmesh/pkg/mesh"
)

func main() {
	var (
		port    int
		dataDir string
		consent bool
		global  bool
		seal    bool
	)
	flag.IntVar(&port, "port", 0, "Listen port (random if not specified)")
	flag.StringVar(&dataDir, "data", "", "Data directory (default ~/.trackmesh)")
	flag.BoolVar(&consent, "consent", false, "Grant data-sharing consent before starting")
	flag.BoolVar(&global, "global", false, "Enable DHT-based global discovery")
	flag.BoolVar(&seal, "seal", false, "Seal privacy-data payloads per peer pair")
	flag.Parse()

	if consent {
		path, err := mesh.SettingsPath(dataDir)
		if err != nil {
			log.Fatalf("Failed to resolve settings path: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		if err := mesh.NewFileConsentStore(path).SetConsent(true); err != nil {
			log.Fatalf("Failed to persist consent: %v", err)
		}
	}

	cfg := mesh.DefaultConfig()
	cfg.EnableGlobalDiscovery = global
	cfg.SealPayloads = seal

	node, err := mesh.NewNode(port, dataDir, cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Printf("Error closing node: %v", err)
		}
	}()

	if err := node.Network.Initialize(context.Background()); err != nil {
		log.Fatalf("Failed to initialize mesh: %v", err)
	}

	startCLI(node)
}

func startCLI(node *mesh.Node) {
	fmt.Println("trackmesh node started")
	fmt.Println("Commands:")
	fmt.Println("  /status                      - Network status")
	fmt.Println("  /peers                       - List known peers")
	fmt.Println("  /share <score> <trackers>    - Share an anonymized report")
	fmt.Println("  /stats                       - Show community statistics")
	fmt.Println("  /quit                        - Exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch {
		case input == "/quit":
			return

		case input == "/status":
			fmt.Printf("%s\n", node.Network.StatusText())

		case input == "/peers":
			peers := node.Network.Peers()
			if len(peers) == 0 {
				fmt.Println("no peers known")
				continue
			}
			for _, p := range peers {
				fmt.Printf("  %s  state=%s  lastSeen=%s\n",
					p.ID, p.State(), p.LastSeen().Format(time.RFC3339))
			}

		case strings.HasPrefix(input, "/share "):
			fields := strings.Fields(input)
			if len(fields) < 3 {
				fmt.Println("usage: /share <score> <trackers>")
				continue
			}
			score, err1 := strconv.Atoi(fields[1])
			trackers, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("usage: /share <score> <trackers>")
				continue
			}
			raw := anonymize.RawReport{
				PrivacyScore: score,
				TrackerCount: trackers,
				ObservedAt:   time.Now(),
			}
			if err := node.Network.Share(context.Background(), raw); err != nil {
				fmt.Printf("share failed: %v\n", err)
			} else {
				fmt.Println("shared")
			}

		case input == "/stats":
			stats := node.Network.CommunityStats()
			fmt.Printf("peers=%d records=%d avg=%.1f freshness=%s\n",
				stats.ConnectedPeers, stats.RecordCount, stats.AverageScore, stats.DataFreshness)
			for grade, frac := range stats.ScoreDistribution {
				fmt.Printf("  %s: %.0f%%\n", grade, frac*100)
			}

		default:
			fmt.Println("unknown command")
		}
	}
}

package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ssd-technologies/shard/internal/chunks"
	"github.com/ssd-technologies/shard/internal/config"
	"github.com/ssd-technologies/shard/internal/crypto"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/sandbox"
	"github.com/ssd-technologies/shard/internal/storage"
)

const usage = "Usage: shardctl <sign|verify|sweep|stats|show> [-config file] [args]"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "sign":
		err = cmdSign(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	case "sweep":
		err = cmdSweep(os.Args[2:])
	case "stats":
		err = cmdStats(os.Args[2:])
	case "show":
		err = cmdShow(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the shard config the same way the server does, without
// requiring the server-only settings. Non-empty fields of flags win.
func loadConfig(path string, flags config.Config) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	return cfg.Merge(flags), nil
}

func newSigner(cfg config.Config) (*crypto.Signer, error) {
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("signing_secret is not configured (set SHARD_SIGNING_SECRET)")
	}
	return crypto.NewSigner(cfg.SigningSecret)
}

func cmdSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	ttl := fs.Duration("ttl", time.Hour, "how long the URL stays valid")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shardctl sign [--ttl 1h] <key>/<name>")
	}
	key, name, ok := strings.Cut(fs.Arg(0), "/")
	if !ok {
		return fmt.Errorf("want <key>/<name>, got %q", fs.Arg(0))
	}
	if err := sandbox.Key(key); err != nil {
		return err
	}
	if err := sandbox.Filename(name); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, config.Config{})
	if err != nil {
		return err
	}
	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}
	sig, exp := signer.Sign(key+"/"+name, *ttl)
	fmt.Println(objects.SignedLink(cfg.PublicURL, key, name, sig, exp))
	fmt.Fprintf(os.Stderr, "expires %s\n", time.UnixMilli(exp).UTC().Format(time.RFC3339))
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shardctl verify <signed-url>")
	}
	c, err := objects.ParseSignedLink(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, config.Config{})
	if err != nil {
		return err
	}
	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}
	expires := time.UnixMilli(c.ExpiresAt).UTC().Format(time.RFC3339)
	if !signer.Verify(c.Signature, c.ExpiresAt, c.RelativePath()) {
		return fmt.Errorf("invalid or expired (expires %s)", expires)
	}
	fmt.Printf("valid: %s (expires %s)\n", c.RelativePath(), expires)
	return nil
}

func cmdSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	maxAge := fs.Duration("max-age", 0, "remove sessions idle longer than this (default: sweeper.max_age)")
	dryRun := fs.Bool("dry-run", false, "list stale sessions without removing them")
	rootFlag := fs.String("root", "", "storage root (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, config.Config{Root: *rootFlag})
	if err != nil {
		return err
	}
	age := cfg.Sweeper.MaxAge
	if *maxAge > 0 {
		age = *maxAge
	}
	root, err := sandbox.New(cfg.Root)
	if err != nil {
		return err
	}
	cs := chunks.New(root, objects.NewStore(root))

	if *dryRun {
		sessions, err := cs.Sessions()
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-age)
		for _, s := range sessions {
			if !s.ModTime.After(cutoff) {
				fmt.Printf("%s\tidle %s\n", s.ID, formatDuration(time.Since(s.ModTime)))
			}
		}
		return nil
	}

	n, err := cs.SweepStale(age)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d stale session(s) older than %s\n", n, formatDuration(age))
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	index := fs.String("index", "", "index database path (overrides config)")
	list := fs.Bool("list", false, "list indexed objects, newest first")
	bucket := fs.String("bucket", "", "only list this bucket")
	limit := fs.Int("limit", 50, "maximum objects to list (0 for all)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, config.Config{IndexPath: *index})
	if err != nil {
		return err
	}
	db, err := storage.NewDB(cfg.IndexPath)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Objects: %d (%s)\n", st.Objects, formatBytes(st.Bytes))
	for _, b := range st.Buckets {
		fmt.Printf("  %-8s %d (%s)\n", b.Bucket, b.Objects, formatBytes(b.Bytes))
	}
	if !*list {
		return nil
	}

	if *bucket != "" {
		if _, err := objects.ParseBucket(*bucket); err != nil {
			return err
		}
	}
	objs, err := db.ListObjects(*bucket, *limit)
	if err != nil {
		return err
	}
	fmt.Println()
	for _, o := range objs {
		fmt.Printf("%s  %-7s %10s  %s  %s\n", o.Key, o.Bucket, formatBytes(o.Size), time.Unix(o.CreatedAt, 0).UTC().Format(time.RFC3339), o.Name)
	}
	return nil
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	index := fs.String("index", "", "index database path (overrides config)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shardctl show <key>")
	}
	key := fs.Arg(0)
	id, err := objects.DecodeKey(key)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, config.Config{IndexPath: *index})
	if err != nil {
		return err
	}
	db, err := storage.NewDB(cfg.IndexPath)
	if err != nil {
		return err
	}
	defer db.Close()

	o, err := db.GetObject(key)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("object %s is not indexed", key)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Key:      %s\n", o.Key)
	fmt.Printf("UUID:     %s\n", id)
	fmt.Printf("Bucket:   %s\n", o.Bucket)
	fmt.Printf("Name:     %s\n", o.Name)
	fmt.Printf("Size:     %s (%d bytes)\n", formatBytes(o.Size), o.Size)
	fmt.Printf("Type:     %s (%s)\n", o.MimeType, o.FileType)
	if o.Owner != "" {
		fmt.Printf("Owner:    %s\n", o.Owner)
	}
	if o.SHA256 != "" {
		fmt.Printf("SHA-256:  %s\n", o.SHA256)
	}
	fmt.Printf("Created:  %s\n", time.Unix(o.CreatedAt, 0).UTC().Format(time.RFC3339))
	return nil
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/config"
	"github.com/relayforge/codeassist-gateway/internal/cooldown"
	"github.com/relayforge/codeassist-gateway/internal/credential"
	"github.com/relayforge/codeassist-gateway/internal/httpserver"
	"github.com/relayforge/codeassist-gateway/internal/ipguard"
	"github.com/relayforge/codeassist-gateway/internal/logging"
	"github.com/relayforge/codeassist-gateway/internal/pipeline"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/sigcache"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024)
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" && logTarget != "-" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix(fmt.Sprintf("[gateway][%s] ", cfg.Environment))

	if strings.TrimSpace(os.Getenv("API_KEY")) == "" {
		log.Printf("warning: API_KEY not set, generated key=%s (set API_KEY to pin it across restarts)", cfg.APIKey)
	}
	if strings.TrimSpace(os.Getenv("JWT_SECRET")) == "" {
		log.Printf("warning: JWT_SECRET not set, generated one for this process")
	}

	credStore, err := openCredentialStore(cfg)
	if err != nil {
		log.Fatalf("open credential store: %v", err)
	}

	quotaLedger := quota.NewLedger(cfg.QuotaIdleTTL)
	quotaStore, err := openQuotaStore(cfg)
	if err != nil {
		log.Fatalf("open quota store: %v", err)
	}
	if quotaStore != nil {
		if snap, err := quotaStore.Load(); err != nil {
			log.Printf("quota store load failed (starting from empty ledger): %v", err)
		} else {
			quotaLedger.LoadAll(snap.Quotas, snap.Counters)
		}
	}

	cooldownLedger := cooldown.NewLedger()

	oauthClient := upstream.NewOAuthClient(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.RequestTimeout)

	pool := credential.NewPool(credStore, oauthClient, quotaLedger, cooldownLedger, credential.Strategy(cfg.RotationStrategy), cfg.RequestCountN, cfg.RefreshSafetyBuf)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	if err := pool.BootRefresh(bootCtx); err != nil {
		log.Printf("boot credential refresh reported errors: %v", err)
	}
	bootCancel()

	guardCfg := ipguard.DefaultConfig()
	if cfg.IPViolationWindow > 0 {
		guardCfg.ViolationWindow = cfg.IPViolationWindow
	}
	if cfg.IPBlockThreshold > 0 {
		guardCfg.BlockThreshold = cfg.IPBlockThreshold
	}
	if cfg.IPTempBlockDuration > 0 {
		guardCfg.TempBlockDuration = cfg.IPTempBlockDuration
	}
	if cfg.IPTempBlockCycleWindow > 0 {
		guardCfg.CycleWindow = cfg.IPTempBlockCycleWindow
	}
	if cfg.IPPermanentCycles > 0 {
		guardCfg.PermanentCycles = cfg.IPPermanentCycles
	}
	whitelist := append([]string{}, cfg.IPWhitelist...)
	if cfg.IPWhitelistFile != "" {
		fromFile, err := loadWhitelistFile(cfg.IPWhitelistFile)
		if err != nil {
			log.Printf("ip whitelist file %s unreadable: %v", cfg.IPWhitelistFile, err)
		} else {
			whitelist = append(whitelist, fromFile...)
		}
	}
	guard := ipguard.New(guardCfg, whitelist)

	sigCache := sigcache.New(cfg.SignatureCacheSize, cfg.SignatureCacheTTL)

	imageSaver, err := httpserver.NewDiskImageSaver(imageSinkDir(), cfg.ImageBaseURL)
	if err != nil {
		log.Fatalf("init image sink: %v", err)
	}

	dialer := upstream.NewStdDialer(cfg.RequestTimeout)
	transport := upstream.New(dialer, cfg.SandboxHost, cfg.ProductionHost, !cfg.UseProduction)
	transport.UserAgent = cfg.UserAgent

	pl := pipeline.New(pool, quotaLedger, cooldownLedger, transport, cfg.MaxRetries, cfg.DefaultCooldown)

	srv := httpserver.New(cfg, pool, pl, quotaLedger, cooldownLedger, guard, sigCache, imageSaver)
	srv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[gateway/http] ", log.LstdFlags|log.Lmicroseconds))

	stop := make(chan struct{})
	flushDone := make(chan struct{})

	go quotaLedger.StartPruner(10*time.Minute, stop)
	go guard.StartSweeper(time.Minute, stop)
	if quotaStore != nil {
		go func() {
			quota.FlushLoop(quotaLedger, quotaStore, cfg.QuotaFlushInterval, stop, func(err error) {
				log.Printf("quota flush failed: %v", err)
			})
			close(flushDone)
		}()
	} else {
		close(flushDone)
	}
	go cleanupSignatureCache(sigCache, stop)

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Printf("codeassist-gateway listening on %s (env=%s, sandbox=%v)", cfg.Addr, cfg.Environment, !cfg.UseProduction)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	close(stop)
	<-flushDone
	if quotaStore != nil {
		if err := quotaStore.Close(); err != nil {
			log.Printf("quota store close failed: %v", err)
		}
	}
}

// openCredentialStore builds the credential Backend named by
// cfg.CredentialStorePath: a postgres:// DSN selects the database-backed
// PostgresStore, anything else is treated as the default encrypted file
// path.
func openCredentialStore(cfg config.Config) (credential.Backend, error) {
	path := strings.TrimSpace(cfg.CredentialStorePath)
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		return credential.NewPostgresStore(path)
	}
	return credential.NewStore(path, cfg.CredentialSaltPath)
}

// openQuotaStore builds the durable quota backend named by
// cfg.QuotaStorePath: a postgres:// DSN selects Postgres, anything else is
// treated as a SQLite file path.
func openQuotaStore(cfg config.Config) (quota.Store, error) {
	path := strings.TrimSpace(cfg.QuotaStorePath)
	if path == "" {
		return nil, nil
	}
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		return quota.NewPostgresStore(path, 8, 4)
	}
	return quota.NewSQLiteStore(path)
}

// loadWhitelistFile reads path as a YAML whitelist document first (an
// operator may want to annotate entries); if that doesn't parse into one,
// it falls back to one plain address per line.
func loadWhitelistFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if list, ok := config.LoadIPWhitelistYAML(data); ok {
		return list, nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func imageSinkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "images"
	}
	return home + "/.codeassist-gateway/images"
}

func cleanupSignatureCache(c *sigcache.Cache, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-stop:
			return
		}
	}
}

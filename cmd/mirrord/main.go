// mirrord keeps a live mirror of one user's organizer data, auto-syncs their
// stale external calendars, and delivers scheduled notifications.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"organizer/autosync"
	"organizer/calendarsync"
	"organizer/dblayer"
	"organizer/healthz"
	"organizer/metrics"
	"organizer/mirror"
	"organizer/poller"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/profiler"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"
	"google.golang.org/api/idtoken"
)

var (
	debugListen = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")

	dataProject = flag.String("data-project", "", "GCP project that contains the application state.")
	user        = flag.String("user", "", "ID of the user to mirror.")

	syncURL         = flag.String("sync-url", "", "Base URL of the calendar sync backend, for example https://organizer.example/api.")
	syncAudience    = flag.String("sync-audience", "", "ID token audience for the sync backend.  Defaults to --sync-url.")
	syncRateLimit   = flag.Float64("sync-rate-limit", 5, "Maximum calendar sync requests per second.")
	autoSync        = flag.Bool("auto-sync", true, "Sync stale external calendars automatically.")
	syncQuietPeriod = flag.Duration("sync-quiet-period", 3*time.Second, "How long to wait after a change before auto-syncing.")
	syncConcurrency = flag.Int64("sync-concurrency", 8, "Maximum concurrent calendar syncs.")
	retryPeriod     = flag.Duration("retry-period", 30*time.Second, "Time between attempts to recover a failed user listener.")

	sendgridKeySecret = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key.  Notification delivery is disabled if empty.")
	mailFrom          = flag.String("mail-from", "bot@organizer.example", "From address for notification emails.")
	recheckPeriod     = flag.Duration("recheck-period", 1*time.Minute, "Time between scans for due notifications.")

	monitoring           = flag.Bool("monitoring", false, "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.01, "What ratio of traces should be exported?")
	enableProfiling      = flag.Bool("enable-profiling", false, "Enable Cloud Profiler.")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	glog.Infof("debug-listen: %v", *debugListen)
	glog.Infof("data-project: %v", *dataProject)
	glog.Infof("user: %v", *user)
	glog.Infof("sync-url: %v", *syncURL)
	glog.Infof("sync-audience: %v", *syncAudience)
	glog.Infof("sync-rate-limit: %v", *syncRateLimit)
	glog.Infof("auto-sync: %v", *autoSync)
	glog.Infof("sync-quiet-period: %v", *syncQuietPeriod)
	glog.Infof("sync-concurrency: %v", *syncConcurrency)
	glog.Infof("retry-period: %v", *retryPeriod)
	glog.Infof("sendgrid-key-secret: %v", *sendgridKeySecret)
	glog.Infof("mail-from: %v", *mailFrom)
	glog.Infof("recheck-period: %v", *recheckPeriod)
	glog.Infof("monitoring: %v", *monitoring)
	glog.Infof("monitoring-project: %v", *monitoringProject)
	glog.Infof("monitoring-trace-ratio: %v", *monitoringTraceRatio)
	glog.Infof("enable-profiling: %v", *enableProfiling)

	if metadata.OnGCE() {
		sa, err := metadata.Email("")
		if err != nil {
			glog.Warningf("Error fetching service account: %v", err)
		} else {
			glog.Infof("serviceaccount: %s", sa)
		}
	}

	// Cloud Profiler initialization, best done as early as possible.
	if *enableProfiling {
		if err := profiler.Start(profiler.Config{
			Service:   "mirrord",
			ProjectID: *monitoringProject,
		}); err != nil {
			glog.Fatalf("Error initializing profiler: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		glog.Errorf("Error: %v", err)
		glog.Flush()
		os.Exit(255)
	}

	glog.Flush()
}

func do(ctx context.Context) error {
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	if *syncURL == "" {
		return fmt.Errorf("--sync-url is required")
	}

	if *monitoring {
		shutdown, err := installMonitoring(ctx)
		if err != nil {
			return fmt.Errorf("while installing monitoring: %w", err)
		}
		defer shutdown()
	}

	fstore, err := firestore.NewClient(ctx, *dataProject)
	if err != nil {
		return fmt.Errorf("while creating FireStore client: %w", err)
	}
	defer fstore.Close()
	store := dblayer.NewFirestore(fstore)

	audience := *syncAudience
	if audience == "" {
		audience = *syncURL
	}
	syncHTTPClient, err := idtoken.NewClient(ctx, audience)
	if err != nil {
		return fmt.Errorf("while creating ID token client: %w", err)
	}
	syncClient, err := calendarsync.New(syncHTTPClient, *syncURL, calendarsync.WithRateLimit(rate.Limit(*syncRateLimit), 10))
	if err != nil {
		return fmt.Errorf("while creating calendar sync client: %w", err)
	}

	m := mirror.New(store, mirror.WithSelectedDate(time.Now()))
	defer m.Close()

	syncer := autosync.New(
		syncClient,
		autosync.WithEnabled(*autoSync),
		autosync.WithQuietPeriod(*syncQuietPeriod),
		autosync.WithConcurrency(*syncConcurrency),
	)
	detach := autosync.Attach(ctx, m, syncer)
	defer func() {
		detach()
		syncer.Stop()
		syncer.Wait()
	}()

	m.SetPrincipal(*user)

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New())
	debugServeMux.Handle("/readyz", healthz.NewReadiness(func() bool { return m.State().Ready() }))
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	if *sendgridKeySecret != "" {
		sg, err := newSendgridClient(ctx)
		if err != nil {
			return fmt.Errorf("while creating Sendgrid client: %w", err)
		}
		p := poller.New(store, poller.NewSendGridSender(sg, "Organizer", *mailFrom), *recheckPeriod)
		go func() {
			p.Run(ctx)
		}()
	}

	go func() {
		ticker := time.NewTicker(*retryPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := m.State().LastError; err != nil {
				glog.Warningf("Mirror is in error state: %v", err)
				m.Retry()
			}
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-signalCh:
	case <-ctx.Done():
	}

	return nil
}

func installMonitoring(ctx context.Context) (shutdown func(), err error) {
	traceOpts := []cloudtrace.Option{}
	if *monitoringProject != "" {
		traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
	}
	traceExporter, err := cloudtrace.New(traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("while creating Cloud Trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)),
	)
	otel.SetTracerProvider(tp)

	if err := metrics.Register(); err != nil {
		return nil, fmt.Errorf("while registering views: %w", err)
	}
	statsExporter, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:         *monitoringProject,
		MetricPrefix:      "mirrord",
		ReportingInterval: 60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("while creating Stackdriver exporter: %w", err)
	}
	if err := statsExporter.StartMetricsExporter(); err != nil {
		return nil, fmt.Errorf("while starting metrics exporter: %w", err)
	}

	return func() {
		statsExporter.StopMetricsExporter()
		statsExporter.Flush()
		if err := tp.Shutdown(ctx); err != nil {
			glog.Errorf("Error shutting down tracer provider: %v", err)
		}
	}, nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}

// Command hydra runs one transport endpoint: it binds the local media
// ports, opens the tunnels to the peer, and moves encoded frames in
// both directions. Capture and codecs live outside; in --demo mode the
// binary feeds itself synthetic frames so two endpoints can exercise a
// real network path without a camera.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/opd-ai/hydra"
	"github.com/opd-ai/hydra/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	pflag.String("ip", "", "destination peer IPv4 address (required)")
	pflag.String("ports", "", "comma-separated remote UDP ports (required)")
	pflag.Int("mtu", wire.DefaultMTU, "slice datagram size in bytes [200,2000]")
	pflag.Int("redundancy", 0, "per-slice tunnel clone count (0 = auto)")
	pflag.String("log-level", "info", "logrus level: debug|info|warn|error")
	pflag.String("config", "", "optional config file (yaml/toml)")
	pflag.Bool("demo", false, "feed synthetic frames to exercise the path")
	pflag.Bool("stats", true, "render the live tunnel stats table")
	pflag.Parse()

	viper.SetEnvPrefix("HYDRA")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg := viper.GetString("config"); cfg != "" {
		viper.SetConfigFile(cfg)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", cfg, err)
			return 1
		}
	}

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level: %v\n", err)
		return 1
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ports, err := parsePortsCSV(viper.GetString("ports"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --ports: %v\n", err)
		usage()
		return 1
	}
	if viper.GetString("ip") == "" || len(ports) == 0 {
		usage()
		return 1
	}

	opts := hydra.NewOptions()
	opts.RemoteIP = viper.GetString("ip")
	opts.RemotePorts = ports
	opts.MTU = viper.GetInt("mtu")
	opts.Redundancy = viper.GetInt("redundancy")

	session, err := hydra.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session setup failed: %v\n", err)
		return 1
	}

	// In demo mode the synthetic source owns the bitrate callback.
	if !viper.GetBool("demo") {
		session.OnTargetBitrate(func(bps uint32) {
			logrus.WithFields(logrus.Fields{
				"function": "main",
				"bps":      bps,
			}).Info("Encoder target bitrate updated")
		})
	}

	counter := newFrameCounter()
	session.OnFrame(counter.observe)

	if err := session.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "session start failed: %v\n", err)
		return 1
	}
	defer session.Kill()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	if viper.GetBool("demo") {
		go demoSource(session, done)
	}
	if viper.GetBool("stats") {
		go statsView(session, counter, done)
	}

	<-stop
	close(done)
	logrus.WithFields(logrus.Fields{"function": "main"}).Info("Shutting down")
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s --ip <receiver_ip> --ports <p1,p2,...> [--mtu <bytes>]\n", os.Args[0])
}

func parsePortsCSV(csv string) ([]uint16, error) {
	if csv == "" {
		return nil, nil
	}
	var out []uint16
	for _, item := range strings.Split(csv, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		v, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", item, err)
		}
		if v <= 0 || v >= 65536 {
			return nil, fmt.Errorf("port %d out of range", v)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func waitOrDone(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return false
	case <-time.After(d):
		return true
	}
}

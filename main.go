// Command rvboot runs the boot loader on a simulated RISC-V virt board and
// reports where the kernel would start.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/c35s/rvboot/boot"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/vmm"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {

	var (
		memSize    = flag.Int("mem", 128, "set the board's memory size in MiB")
		diskPath   = flag.String("disk", "", "attach a boot disk from file or URL")
		stream     = flag.Bool("stream", false, "read an http(s) disk with range requests instead of downloading it")
		readOnly   = flag.Bool("ro", false, "attach the disk read-only")
		imagePath  = flag.String("image", "", "place an ELF image in memory from file or URL")
		configPath = flag.String("config", "", "read the boot config from a YAML file")
		source     = flag.String("source", "", "override the boot config's image source (disk or memory)")
		logLevel   = flag.String("log-level", "info", "set the boot log level")
	)

	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fatal(err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	if *source != "" {
		cfg.Source = boot.Source(*source)
	}

	if !isSet("config") || isSet("log-level") {
		cfg.LogLevel = level
	}

	vcfg := vmm.Config{
		MemSize: *memSize << 20,
		Console: os.Stdout,
		Log:     log,
	}

	if *diskPath != "" {
		storage, err := openDisk(*diskPath, *stream)
		if err != nil {
			fatal(err)
		}

		vcfg.Devices = append(vcfg.Devices, &virtio.Block{
			ReadOnly: *readOnly,
			Storage:  storage,
			Log:      log,
		})
	}

	m, err := vmm.New(vcfg)
	if err != nil {
		fatal(err)
	}

	defer m.Close()

	if *imagePath != "" {
		img, err := readURL(*imagePath)
		if err != nil {
			fatal(err)
		}

		base := cfg.ImageBase
		if base == 0 {
			base = boot.DefaultImageBase
		}

		if err := m.LoadImage(base, img); err != nil {
			fatal(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := m.Boot(ctx, cfg)
	if err != nil {
		m.Close()
		fatal(err)
	}

	log.Info("kernel ready", "entry", res.Entry, "segments", len(res.Segments))
	for _, s := range res.Segments {
		log.Debug("segment", "addr", s.Addr, "end", s.End(), "filesz", s.FileSize)
	}
}

func fatal(err error) {
	slog.Error("rvboot", "err", err)
	os.Exit(1)
}

func isSet(name string) (set bool) {
	flag.Visit(func(f *flag.Flag) {
		set = set || f.Name == name
	})

	return
}

func loadConfig(path string) (cfg boot.Config, err error) {
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("rvboot: %s: %w", path, err)
	}

	return cfg, nil
}

// openDisk returns storage for a disk file or URL. Files are opened
// read-write; URLs are downloaded into memory unless stream is set.
func openDisk(s string, stream bool) (virtio.BlockStorage, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		f, err := os.OpenFile(u.Path, os.O_RDWR, 0)
		if errors.Is(err, os.ErrPermission) {
			f, err = os.Open(u.Path)
		}

		if err != nil {
			return nil, err
		}

		return &virtio.FileStorage{File: f}, nil

	case "http", "https":
		if stream {
			return &virtio.HTTPStorage{URL: u.String()}, nil
		}

		b, err := readURL(s)
		if err != nil {
			return nil, err
		}

		return &virtio.MemStorage{Bytes: padSectors(b)}, nil

	default:
		return nil, fmt.Errorf("rvboot: unsupported disk URL scheme %q", u.Scheme)
	}
}

// padSectors extends b to a whole number of sectors.
func padSectors(b []byte) []byte {
	if r := len(b) % virtio.SectorSize; r != 0 {
		b = append(b, make([]byte, virtio.SectorSize-r)...)
	}

	return b
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("rvboot: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		buf := new(bytes.Buffer)
		var w io.Writer = buf

		if term.IsTerminal(int(os.Stderr.Fd())) {
			bar := progressbar.DefaultBytes(res.ContentLength, "download "+u.Path)
			defer bar.Close()
			w = io.MultiWriter(buf, bar)
		}

		if _, err := io.Copy(w, res.Body); err != nil {
			return nil, err
		}

		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/loqalabs/owlimatronic/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected one of 'validate', 'emote', 'upload', 'listen' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "emote":
		err = runEmote(os.Args[2:])
	case "upload":
		err = runUpload(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("config", "owl.yaml", "Path to configuration file")
	fs.Parse(args)

	if _, err := config.Load(*path); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

func runEmote(args []string) error {
	fs := flag.NewFlagSet("emote", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Base URL of owld")
	name := fs.String("name", protocol.PayloadYap, "Animation to play")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	fs.Parse(args)

	body, err := json.Marshal(map[string]string{"emote": *name})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(*addr, "/api/emote"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Base URL of owld")
	file := fs.String("file", "", "Audio file to upload")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	fs.Parse(args)

	if *file == "" {
		return errors.New("upload requires -file")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}
	body, contentType, err := multipartBody(filepath.Base(*file), data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(*addr, "/api/audio"), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return do(req)
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	addr := fs.String("addr", "localhost:9000", "Streamer address")
	out := fs.String("out", "stream.pcm", "Where to write the received audio")
	asWAV := fs.Bool("wav", false, "Wrap the received PCM in a WAV container")
	timeout := fs.Duration("timeout", 5*time.Second, "Dial timeout")
	fs.Parse(args)

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		return fmt.Errorf("dial streamer: %w", err)
	}
	defer conn.Close()

	pcm, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if len(pcm) == 0 {
		return errors.New("streamer sent nothing; no artifact committed yet")
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	if *asWAV {
		err = writeWAV(f, pcm, protocol.DevicePCM)
	} else {
		_, err = f.Write(pcm)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Printf("received %d bytes (%s of audio) into %s\n", len(pcm), pcmDuration(len(pcm), protocol.DevicePCM), *out)
	return nil
}

func endpoint(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base + path
}

func multipartBody(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func do(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("owld returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// writeWAV wraps little-endian 16-bit PCM in a WAV container.
func writeWAV(w io.WriteSeeker, pcm []byte, format protocol.PCMFormat) error {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	enc := wav.NewEncoder(w, format.SampleRate, format.BitDepth, format.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func pcmDuration(n int, format protocol.PCMFormat) time.Duration {
	rate := format.BytesPerSecond()
	if rate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

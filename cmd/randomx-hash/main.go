// Command randomx-hash prints RandomX hashes of its arguments, or of each
// stdin line when no arguments are given.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/VanDung-dev/RandomX-Engine/engine"
	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

func main() {
	key := flag.String("key", "", "seed as text")
	keyHex := flag.String("key-hex", "", "seed as hex (overrides -key)")
	flagList := flag.String("flags", "", "VM flags, e.g. \"jit,hard_aes\" (default: recommended)")
	full := flag.Bool("full", false, "build the full dataset and hash in fast mode")
	threads := flag.Int("threads", runtime.NumCPU(), "dataset initialization threads")
	hexInput := flag.Bool("hex", false, "inputs are hex encoded")
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("randomx-hash: ")

	seed := []byte(*key)
	if *keyHex != "" {
		var err error
		if seed, err = hex.DecodeString(*keyHex); err != nil {
			log.Fatalf("invalid -key-hex: %v", err)
		}
	}
	if len(seed) == 0 {
		log.Fatal("a seed is required (-key or -key-hex)")
	}

	flags := randomx.RecommendedFlags()
	if *flagList != "" {
		var err error
		if flags, err = randomx.ParseFlags(*flagList); err != nil {
			log.Fatalf("invalid -flags: %v", err)
		}
	}

	inputs, err := readInputs(flag.Args(), *hexInput)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	hasher, err := engine.NewHasher(ctx, seed, engine.Config{
		Flags:       flags,
		FullMemory:  *full,
		Workers:     1,
		InitThreads: *threads,
	})
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer hasher.Close()

	hashes, err := hasher.HashBatch(ctx, inputs)
	if err != nil {
		log.Fatalf("hash failed: %v", err)
	}
	for _, h := range hashes {
		fmt.Println(h)
	}
}

func readInputs(args []string, isHex bool) ([][]byte, error) {
	var lines []string
	if len(args) > 0 {
		lines = args
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no input")
	}

	inputs := make([][]byte, len(lines))
	for i, line := range lines {
		if !isHex {
			inputs[i] = []byte(line)
			continue
		}
		b, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputs[i] = b
	}
	return inputs, nil
}

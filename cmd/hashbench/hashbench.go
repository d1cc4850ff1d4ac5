package main

// Measures sustained work-hash throughput over the same header+nonce
// path miners scan. Useful for sizing a miner's work budget before
// pointing it at a validator.

import (
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"path"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashworknet/hashwork/shared"
)

func main() {
	runtime.MemProfileRate = 0

	cfg, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}

	if cfg.CPU {
		dir, err := os.Getwd()
		if err != nil {
			log.Fatal("cant get current dir", err)
		}

		profFilePath := path.Join(dir, "./CPU.prof")
		fmt.Printf("CPU profile: %s\n", profFilePath)

		f, err := os.Create(profFilePath)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()

		println("Cpu profiling enabled and started...")
	}

	workers := int(cfg.Workers)
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	algos := []shared.HashAlgorithm{shared.AlgoScrypt, shared.AlgoSHA256}
	if cfg.Algo != "all" {
		algo, err := shared.ParseAlgorithm(cfg.Algo)
		if err != nil {
			log.Fatal(err)
		}
		algos = []shared.HashAlgorithm{algo}
	}

	for _, algo := range algos {
		rate := measure(algo, workers, cfg.Duration)
		fmt.Printf("%s: %.1f kH/s over %d workers (%s per run)\n",
			algo, rate/1000, workers, cfg.Duration)
	}
}

// measure hashes fresh headers on every worker until the deadline and
// reports the aggregate rate in hashes per second.
func measure(algo shared.HashAlgorithm, workers int, d time.Duration) float64 {
	var total atomic.Uint64
	deadline := time.Now().Add(d)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			header := make([]byte, shared.HeaderLen)
			if _, err := rand.Read(header); err != nil {
				panic("no entropy")
			}
			hasher, err := shared.NewWorkHasher(algo, header)
			if err != nil {
				panic(err)
			}

			var out []byte
			var count uint64
			for nonce := uint32(0); ; nonce++ {
				out = hasher.Sum(nonce, out[:0])
				count++
				// The deadline check is kept off the hot path.
				if nonce&0x3ff == 0 && time.Now().After(deadline) {
					break
				}
			}
			total.Add(count)
		}()
	}
	wg.Wait()

	return float64(total.Load()) / d.Seconds()
}

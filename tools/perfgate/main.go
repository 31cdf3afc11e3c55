// Package main implements perfgate, a CI gate that runs the codec benchmarks
// and fails when ns/op or allocs/op regress beyond a tolerance against a
// recorded baseline. Run with -update on a quiet reference machine to record
// a new baseline.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

type benchmarkSample struct {
	NSOp     float64 `json:"ns_op"`
	AllocsOp float64 `json:"allocs_op"`
}

type baselineFile struct {
	Benchmarks map[string]benchmarkSample `json:"benchmarks"`
}

func parseBenchOutput(output string) map[string]benchmarkSample {
	results := map[string]benchmarkSample{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		name := fields[0]
		if dash := strings.LastIndex(name, "-"); dash > 0 {
			name = name[:dash]
		}

		sample := benchmarkSample{}
		hasNS := false
		hasAllocs := false
		for i := 0; i < len(fields)-1; i++ {
			switch fields[i+1] {
			case "ns/op":
				if parsed, err := strconv.ParseFloat(fields[i], 64); err == nil {
					sample.NSOp = parsed
					hasNS = true
				}
			case "allocs/op":
				if parsed, err := strconv.ParseFloat(fields[i], 64); err == nil {
					sample.AllocsOp = parsed
					hasAllocs = true
				}
			}
		}
		if hasNS && hasAllocs && sample.NSOp > 0 {
			results[name] = sample
		}
	}
	return results
}

func runBenchmarks(packagePath, benchtime string) (map[string]benchmarkSample, string, error) {
	command := exec.Command("go", "test", packagePath, "-run", "^$", "-bench", "^Benchmark", "-benchmem", "-count=1", "-benchtime="+benchtime) // #nosec G204 -- arguments are passed without shell expansion
	outputBytes, err := command.CombinedOutput()
	output := string(outputBytes)
	if err != nil {
		return nil, output, err
	}
	return parseBenchOutput(output), output, nil
}

func main() {
	baselinePath := flag.String("baseline", "tools/perf_baseline.json", "path to benchmark baseline JSON")
	packagePath := flag.String("package", "./amqp", "package path for benchmarks")
	benchtime := flag.String("benchtime", "1s", "go test benchmark duration")
	maxRegression := flag.Float64("max-regression", 10.0, "max allowed regression percentage")
	update := flag.Bool("update", false, "record current results as the new baseline")
	flag.Parse()

	results, output, err := runBenchmarks(*packagePath, *benchtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "benchmark command failed: %v\n%s", err, output)
		os.Exit(1)
	}
	fmt.Print(output)

	if *update {
		data, err := json.MarshalIndent(baselineFile{Benchmarks: results}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "baseline encode failed: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*baselinePath, append(data, '\n'), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "baseline write failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("perf gate: baseline updated with %d benchmarks\n", len(results))
		return
	}

	data, err := os.ReadFile(*baselinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perf baseline read failed (run with -update to record one): %v\n", err)
		os.Exit(1)
	}
	baseline := baselineFile{}
	if err = json.Unmarshal(data, &baseline); err != nil {
		fmt.Fprintf(os.Stderr, "perf baseline parse failed: %v\n", err)
		os.Exit(1)
	}
	if len(baseline.Benchmarks) == 0 {
		fmt.Fprintln(os.Stderr, "perf baseline is empty")
		os.Exit(1)
	}

	var failures []string
	names := make([]string, 0, len(baseline.Benchmarks))
	for name := range baseline.Benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expected := baseline.Benchmarks[name]
		actual, ok := results[name]
		if !ok {
			failures = append(failures, fmt.Sprintf("missing benchmark result: %s", name))
			continue
		}

		maxNS := expected.NSOp * (1.0 + (*maxRegression / 100.0))
		if actual.NSOp > maxNS {
			failures = append(failures, fmt.Sprintf("%s ns/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.NSOp, actual.NSOp, maxNS))
		}

		maxAllocs := expected.AllocsOp * (1.0 + (*maxRegression / 100.0))
		if expected.AllocsOp == 0 {
			maxAllocs = 0
		}
		if actual.AllocsOp > maxAllocs {
			failures = append(failures, fmt.Sprintf("%s allocs/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.AllocsOp, actual.AllocsOp, maxAllocs))
		}
	}

	if len(failures) == 0 {
		fmt.Println("perf gate: PASS")
		return
	}
	fmt.Println("perf gate: FAIL")
	for _, failure := range failures {
		fmt.Printf("- %s\n", failure)
	}
	os.Exit(2)
}

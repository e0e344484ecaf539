package ocr

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DetectGPUs counts the CUDA devices visible to this process.
// CUDA_VISIBLE_DEVICES wins when set; otherwise nvidia-smi is asked.
// Any failure means no GPU.
func DetectGPUs(ctx context.Context) int {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		return parseVisibleDevices(v)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", "-L").Output()
	if err != nil {
		return 0
	}
	return countSMILines(string(out))
}

func parseVisibleDevices(v string) int {
	v = strings.TrimSpace(v)
	if v == "" || v == "-1" || strings.EqualFold(v, "none") || strings.EqualFold(v, "nodevfiles") {
		return 0
	}
	n := 0
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

func countSMILines(out string) int {
	n := 0
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if strings.HasPrefix(strings.TrimSpace(scanner.Text()), "GPU ") {
			n++
		}
	}
	return n
}

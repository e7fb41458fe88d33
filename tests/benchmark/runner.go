// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// GlobalStats matches queue.GlobalStats served on /global-status
type GlobalStats struct {
	TotalTasks     int     `json:"total_tasks"`
	PendingTasks   int     `json:"pending_tasks"`
	DueTasks       int     `json:"due_tasks"`
	ClaimedTasks   int     `json:"claimed_tasks"`
	SucceededTasks int     `json:"succeeded_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	AvgAttempts    float64 `json:"avg_attempts_to_finish"`
	AvgWaitSec     float64 `json:"avg_wait_seconds"`
}

type pollMessage struct {
	Kind      string         `json:"kind"`
	SubjectID string         `json:"subjectId"`
	TaskToken string         `json:"taskToken"`
	Input     map[string]any `json:"input,omitempty"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	kind := flag.String("kind", "db-instance", "Operation kind of the injected tasks (db-instance, db-snapshot, masking-run)")
	subject := flag.String("subject", "", "Subject id to watch; repeated with a numeric suffix when -count > 1")
	count := flag.Int("count", 1, "Number of poll tasks to inject")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "", "Worker API port (defaults to API_PORT or 8080)")
	timeout := flag.Duration("timeout", 6*time.Hour, "Give up watching after this long")
	flag.Parse()

	if *subject == "" {
		fmt.Printf("%sPlease specify the subject to watch using --subject=<db instance, snapshot or run id>%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	if *apiPort == "" {
		*apiPort = os.Getenv("API_PORT")
	}
	if *apiPort == "" {
		*apiPort = "8080"
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s >> POLL WATCH: %s %s <<%s\n", colorCyan, colorBold, *kind, *subject, colorReset)

	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	for i := 0; i < *count; i++ {
		id := *subject
		if *count > 1 {
			id = fmt.Sprintf("%s-%d", *subject, i)
		}
		msg := pollMessage{
			Kind:      *kind,
			SubjectID: id,
			TaskToken: "watch-" + uuid.NewString(),
			Input:     map[string]any{"source": "poll-watch"},
		}
		if err := enqueue(base, msg); err != nil {
			fmt.Printf("%s[ERR]%s Failed to inject task for %s: %v\n", colorRed, colorReset, id, err)
			os.Exit(1)
		}
	}
	fmt.Printf("%s[OK]%s %d poll task(s) injected.\n\n", colorGreen, colorReset, *count)

	startTime := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "SUCCEEDED", "FAILED", "CLAIMED", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		elapsed := time.Since(startTime).Round(time.Second)
		if elapsed > *timeout {
			fmt.Printf("\n%s[ERR]%s Gave up after %s\n", colorRed, colorReset, elapsed)
			os.Exit(1)
		}

		stats, err := getGlobalStats(base)
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaSucceeded := stats.SucceededTasks - initialStats.SucceededTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaSucceeded, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.ClaimedTasks, colorReset,
			stats.PendingTasks,
		)

		if deltaSucceeded+deltaFailed >= *count {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			if deltaFailed > 0 {
				os.Exit(2)
			}
			return
		}
	}
}

func enqueue(base string, msg pollMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("worker answered %s", resp.Status)
	}
	return nil
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GlobalStats{}, fmt.Errorf("worker answered %s", resp.Status)
	}

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	succeeded := final.SucceededTasks - initial.SucceededTasks
	failed := final.FailedTasks - initial.FailedTasks

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Watched for:", duration.Truncate(time.Second).String())
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Succeeded:", fmt.Sprintf("%d", succeeded))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt+"\n", "Avg Attempts:", fmt.Sprintf("%.1f", final.AvgAttempts))
	fmt.Printf(lineFmt+"\n", "Avg Wait:", (time.Duration(final.AvgWaitSec) * time.Second).String())

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}

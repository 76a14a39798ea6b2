package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"scheduled-research-service/internal/research-manager/store"
	gorm_db "scheduled-research-service/pkg/db"
)

// research-doctor inspects and repairs scheduled research tasks. It
// works on the task database directly and, where the running service is
// reachable, on the live scheduler through its admin API.
//
// Commands:
//
//	diagnose    report stored-task problems and live scheduler drift
//	fix         repair stored records, then ask the service to resync
//	list        print every task with its consistency flags
//	resume-all  reactivate every paused task
//	cleanup     remove orphan triggers via the running service

const usage = `Usage: research-doctor <command> [flags]

Commands:
  diagnose     Report task record problems and scheduler drift.
  fix          Repair task records and trigger a scheduler resync.
  list         List all tasks with consistency flags.
  resume-all   Reactivate every paused task.
  cleanup      Remove orphan scheduler triggers (requires running service).

Flags:
  -server URL  Research manager base URL (default $RESEARCH_MANAGER_URL
               or http://localhost:8080).
`

type schedulerStatus struct {
	Running  bool `json:"running"`
	JobCount int  `json:"job_count"`
	Jobs     []struct {
		TaskID  string    `json:"task_id"`
		NextRun time.Time `json:"next_run"`
	} `json:"jobs"`
}

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	defaultServer := os.Getenv("RESEARCH_MANAGER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	serverURL := flags.String("server", defaultServer, "research manager base URL")
	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	taskStore := store.New(gormDB)

	var ok bool
	switch command {
	case "diagnose":
		ok = diagnose(taskStore, *serverURL)
	case "fix":
		ok = fix(taskStore, *serverURL)
	case "list":
		ok = list(taskStore)
	case "resume-all":
		ok = resumeAll(taskStore, *serverURL)
	case "cleanup":
		ok = cleanup(*serverURL)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", command, usage)
		os.Exit(1)
	}

	if !ok {
		os.Exit(1)
	}
}

// diagnose reports problems without changing anything. Returns false if
// any problem was found.
func diagnose(taskStore *store.Store, serverURL string) bool {
	tasks, err := taskStore.ListAll()
	if err != nil {
		log.Printf("Cannot list tasks: %v", err)
		return false
	}

	problems := 0
	now := time.Now()
	for i := range tasks {
		task := &tasks[i]
		if !task.IsActive {
			continue
		}
		if task.IntervalHours <= 0 {
			log.Printf("PROBLEM task %s (%s): invalid interval %dh", task.ID, task.Topic, task.IntervalHours)
			problems++
		}
		if task.NextRun.IsZero() {
			log.Printf("PROBLEM task %s (%s): active but next run is unset", task.ID, task.Topic)
			problems++
		} else if overdueBy := now.Sub(task.NextRun); overdueBy > task.Interval() {
			log.Printf("PROBLEM task %s (%s): next run overdue by %s", task.ID, task.Topic, overdueBy.Round(time.Minute))
			problems++
		}
	}

	if pending, err := taskStore.ListPending(now); err == nil && len(pending) > 0 {
		log.Printf("%d tasks are due to run now.", len(pending))
	}

	status, err := fetchStatus(serverURL)
	if err != nil {
		log.Printf("Scheduler status unavailable (%v), skipping drift checks", err)
	} else {
		live := make(map[string]bool)
		for _, job := range status.Jobs {
			if job.TaskID != "" {
				live[job.TaskID] = true
			}
		}
		known := make(map[string]bool)
		for i := range tasks {
			task := &tasks[i]
			known[task.ID] = true
			if task.IsActive && !live[task.ID] {
				log.Printf("DRIFT task %s (%s): active but no live trigger", task.ID, task.Topic)
				problems++
			}
			if !task.IsActive && live[task.ID] {
				log.Printf("DRIFT task %s (%s): inactive but trigger still live", task.ID, task.Topic)
				problems++
			}
		}
		for id := range live {
			if !known[id] {
				log.Printf("DRIFT trigger %s: no task record (orphan)", id)
				problems++
			}
		}
	}

	if problems == 0 {
		log.Printf("Checked %d tasks: no problems found.", len(tasks))
		return true
	}
	log.Printf("Checked %d tasks: %d problems found.", len(tasks), problems)
	return false
}

// fix repairs stored records: invalid intervals get the 24h default,
// unset or badly overdue next-run times are re-derived. A resync is then
// requested from the running service so triggers match the repaired
// records.
func fix(taskStore *store.Store, serverURL string) bool {
	tasks, err := taskStore.ListAll()
	if err != nil {
		log.Printf("Cannot list tasks: %v", err)
		return false
	}

	repaired, failed := 0, 0
	now := time.Now()
	for i := range tasks {
		task := &tasks[i]
		if !task.IsActive {
			continue
		}
		fields := make(map[string]interface{})
		if task.IntervalHours <= 0 {
			fields["interval_hours"] = 24
			task.IntervalHours = 24
		}
		if task.NextRun.IsZero() || now.Sub(task.NextRun) > task.Interval() {
			fields["next_run"] = now.Add(task.Interval())
		}
		if len(fields) == 0 {
			continue
		}
		if err := taskStore.Update(task.ID, fields); err != nil {
			log.Printf("Failed to repair task %s: %v", task.ID, err)
			failed++
			continue
		}
		log.Printf("Repaired task %s (%s): %d fields", task.ID, task.Topic, len(fields))
		repaired++
	}
	log.Printf("Repaired %d tasks, %d failures.", repaired, failed)

	if err := postAdmin(serverURL, "/admin/resync"); err != nil {
		log.Printf("Resync request failed (%v); restart the service or run it manually.", err)
	} else {
		log.Println("Scheduler resync requested.")
	}
	return failed == 0
}

func list(taskStore *store.Store) bool {
	tasks, err := taskStore.ListAll()
	if err != nil {
		log.Printf("Cannot list tasks: %v", err)
		return false
	}
	now := time.Now()
	for i := range tasks {
		task := &tasks[i]
		flags := ""
		if !task.IsActive {
			flags = " [paused]"
		} else if !task.NextRun.IsZero() && now.Sub(task.NextRun) > task.Interval() {
			flags = " [overdue]"
		}
		next := "-"
		if !task.NextRun.IsZero() {
			next = task.NextRun.Format(time.RFC3339)
		}
		log.Printf("%s  %-40s every %dh  next %s  runs %d/%d ok%s",
			task.ID, truncateTopic(task.Topic), task.IntervalHours, next,
			task.SuccessRuns, task.TotalRuns, flags)
	}
	log.Printf("%d tasks.", len(tasks))
	return true
}

func resumeAll(taskStore *store.Store, serverURL string) bool {
	tasks, err := taskStore.ListAll()
	if err != nil {
		log.Printf("Cannot list tasks: %v", err)
		return false
	}
	resumed, failed := 0, 0
	for i := range tasks {
		task := &tasks[i]
		if task.IsActive {
			continue
		}
		if err := taskStore.Update(task.ID, map[string]interface{}{"is_active": true}); err != nil {
			log.Printf("Failed to resume task %s: %v", task.ID, err)
			failed++
			continue
		}
		resumed++
	}
	log.Printf("Resumed %d tasks, %d failures.", resumed, failed)

	if resumed > 0 {
		if err := postAdmin(serverURL, "/admin/resync"); err != nil {
			log.Printf("Resync request failed (%v); restart the service or run it manually.", err)
		} else {
			log.Println("Scheduler resync requested.")
		}
	}
	return failed == 0
}

// cleanup asks the running service to drop orphan triggers. Orphans only
// exist inside the live scheduler, so this command needs the service up.
func cleanup(serverURL string) bool {
	resp, err := http.Post(serverURL+"/admin/reconcile?remove_orphans=true", "application/json", nil)
	if err != nil {
		log.Printf("Cleanup failed, service unreachable: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("Cleanup failed, service returned status %d", resp.StatusCode)
		return false
	}
	var report struct {
		Checked int `json:"checked"`
		Fixed   int `json:"fixed"`
		Failed  int `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		log.Printf("Cleanup response unreadable: %v", err)
		return false
	}
	log.Printf("Cleanup done: checked=%d fixed=%d failed=%d", report.Checked, report.Fixed, report.Failed)
	return report.Failed == 0
}

func fetchStatus(serverURL string) (*schedulerStatus, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/scheduler/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var status schedulerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func postAdmin(serverURL, path string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverURL+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return nil
}

func truncateTopic(topic string) string {
	if len(topic) <= 40 {
		return topic
	}
	return topic[:37] + "..."
}

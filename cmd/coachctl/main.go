package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/questions"
)

var version = "0.1.0-dev"

func main() {
	var interviewPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&interviewPath, "file", "interview.yaml", "Path to interview file")

	var dbPath, userID, interviewID, collection string
	feedbackCmd := flag.NewFlagSet("feedback", flag.ExitOnError)
	feedbackCmd.StringVar(&dbPath, "db", "./data/coach-answers.db", "Path to the answer store")
	feedbackCmd.StringVar(&userID, "user", "", "User id")
	feedbackCmd.StringVar(&interviewID, "interview", "", "Interview id")
	feedbackCmd.StringVar(&collection, "collection", "userAnswers", "Answer collection")

	clearCmd := flag.NewFlagSet("clear", flag.ExitOnError)
	clearCmd.StringVar(&dbPath, "db", "./data/coach-answers.db", "Path to the answer store")
	clearCmd.StringVar(&userID, "user", "", "User id")
	clearCmd.StringVar(&interviewID, "interview", "", "Interview id")
	clearCmd.StringVar(&collection, "collection", "userAnswers", "Answer collection")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'feedback', 'clear' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(interviewPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("interview valid")
	case "feedback":
		feedbackCmd.Parse(os.Args[2:])
		if err := runFeedback(os.Stdout, dbPath, collection, userID, interviewID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "clear":
		clearCmd.Parse(os.Args[2:])
		if err := runClear(os.Stdout, dbPath, collection, userID, interviewID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	iv, err := questions.Load(path)
	if err != nil {
		return err
	}
	return questions.Validate(iv)
}

func runFeedback(w io.Writer, dbPath, collection, userID, interviewID string) error {
	if interviewID == "" {
		return fmt.Errorf("-interview is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gate, closeStore, err := openGate(ctx, dbPath, collection)
	if err != nil {
		return err
	}
	defer closeStore()

	summary, err := gate.Feedback(ctx, userID, interviewID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// runClear deletes one user's answers for an interview so the questions can
// be answered again.
func runClear(w io.Writer, dbPath, collection, userID, interviewID string) error {
	if interviewID == "" {
		return fmt.Errorf("-interview is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gate, closeStore, err := openGate(ctx, dbPath, collection)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := gate.ClearInterview(ctx, userID, interviewID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted %d answers\n", n)
	return nil
}

func openGate(ctx context.Context, dbPath, collection string) (*answers.Gate, func(), error) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := docstore.OpenSQLite(ctx, dbPath, log)
	if err != nil {
		return nil, nil, err
	}
	return answers.NewGate(store, collection, 0, log), func() { _ = store.Close() }, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ChainForge/sdk/go/chainforge"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "ChainForge API address")
	network := flag.String("network", "", "target network")
	flag.Parse()

	prompt := "Create ERC20 TestToken"
	if flag.NArg() > 0 {
		prompt = flag.Arg(0)
	}

	client, err := chainforge.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	job, err := client.Submit(ctx, chainforge.Submission{Prompt: prompt, Network: *network})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted workflow %s (status=%s)\n", job.ID, job.Status)

	done, err := client.Wait(ctx, job.ID, 2*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("workflow %s finished: %s\n", done.ID, done.Status)
	if done.Outcome != nil {
		fmt.Printf("  result=%s address=%s diagnostics=%s\n",
			done.Outcome.WorkflowStatus, done.Outcome.ContractAddress, done.Outcome.DiagnosticsPath)
		os.Exit(done.Outcome.ExitCode)
	}
}

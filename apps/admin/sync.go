package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/trezcool/nexlearn/core/syncqueue"
)

func (cli *commandLine) listQueue(courseID string) error {
	var details []syncqueue.OperationDetail
	if courseID != "" {
		details = cli.queue.DetailsFor(courseID)
	} else {
		for _, op := range cli.queue.List() {
			details = append(details, syncqueue.OperationDetail{
				ID:        op.ID,
				Type:      op.Type,
				Attempts:  op.Attempts,
				NextRetry: op.NextRetry,
				LastError: op.LastError,
			})
		}
	}

	if len(details) == 0 {
		fmt.Fprintln(cli.out, "no pending operations")
		return nil
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
	for _, d := range details {
		nextRetry := time.UnixMilli(d.NextRetry).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.Type, d.Attempts, nextRetry, d.LastError)
	}
	return w.Flush()
}

func (cli *commandLine) drain() error {
	res := cli.queue.Drain(context.Background())
	fmt.Fprintf(
		cli.out,
		"attempted: %d, delivered: %d, retrying: %d, dropped: %d, remaining: %d\n",
		res.Attempted, res.Delivered, res.Retrying, res.Dropped, res.Remaining,
	)
	return nil
}

func (cli *commandLine) listErrors() error {
	recs := cli.errBuf.Records()
	if len(recs) == 0 {
		fmt.Fprintln(cli.out, "no buffered errors")
		return nil
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tMESSAGE")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.TS, rec.Level, rec.Message)
	}
	return w.Flush()
}

func (cli *commandLine) flushErrors() error {
	n, err := cli.errBuf.Flush(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "flushed: %d, remaining: %d\n", n, cli.errBuf.Len())
	return nil
}

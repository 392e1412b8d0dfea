package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db       *sqlx.DB // nil with the in-memory storage
	kv       core.KVStore
	queue    *syncqueue.SyncQueue
	errBuf   *clientlog.Buffer
	certs    *certificate.Service
	accounts *profile.Accounts
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                               - run a goose command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  queue [-course ID]                                   - list the pending sync operations")
	fmt.Fprintln(cli.out, "  drain                                                - deliver the pending sync operations now")
	fmt.Fprintln(cli.out, "  errors [-flush]                                      - list (or flush) the buffered error reports")
	fmt.Fprintln(cli.out, "  hash -recipient R -title T -type T -issued I [-id ID] - compute a certificate fingerprint")
	fmt.Fprintln(cli.out, "  verify -id ID|HASH                                   - verify a certificate")
	fmt.Fprintln(cli.out, "  token                                                - store the remote access token")
	fmt.Fprintln(cli.out, "  resetpassword -email EMAIL                           - reset a local account's password")
}

// prompt reads a secret from the terminal without echoing it.
func (cli *commandLine) prompt(label string) (string, error) {
	fmt.Fprint(cli.out, label)
	secret, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	queueCmd := flag.NewFlagSet("queue", flag.ContinueOnError)
	queueCourse := queueCmd.String("course", "", "Only list the operations of this course.")

	errorsCmd := flag.NewFlagSet("errors", flag.ContinueOnError)
	errorsFlush := errorsCmd.Bool("flush", false, "Send the buffered reports to the data service.")

	hashCmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	hashRecipient := hashCmd.String("recipient", "", "The recipient's name.")
	hashTitle := hashCmd.String("title", "", "The course or learning path title.")
	hashType := hashCmd.String("type", string(certificate.KindCourse), "course | learning-path")
	hashIssued := hashCmd.String("issued", "", "The ISO-8601 issue date, as printed on the certificate.")
	hashID := hashCmd.String("id", "", "The certificate id, if any.")

	verifyCmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	verifyID := verifyCmd.String("id", "", "The certificate id or hash.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ContinueOnError)
	resetPasswordEmail := resetPasswordCmd.String("email", "", "The account's email. The password will be prompted next.")

	for _, fs := range []*flag.FlagSet{queueCmd, errorsCmd, hashCmd, verifyCmd, resetPasswordCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "queue":
		if err := queueCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.listQueue(*queueCourse)

	case "drain":
		return cli.drain()

	case "errors":
		if err := errorsCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *errorsFlush {
			return cli.flushErrors()
		}
		return cli.listErrors()

	case "hash":
		if err := hashCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *hashRecipient == "" || *hashTitle == "" || *hashIssued == "" {
			hashCmd.Usage()
			return errHelp
		}
		return cli.hash(certificate.HashInput{
			Recipient: core.CleanString(*hashRecipient),
			Title:     core.CleanString(*hashTitle),
			Type:      certificate.Kind(*hashType),
			Issued:    *hashIssued,
			ID:        *hashID,
		})

	case "verify":
		if err := verifyCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *verifyID == "" {
			verifyCmd.Usage()
			return errHelp
		}
		return cli.verify(*verifyID)

	case "token":
		token, err := cli.prompt("Enter access token:")
		if err != nil {
			return err
		}
		if token == "" {
			cli.printUsage()
			return errHelp
		}
		return cli.storeToken(token)

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordEmail == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.prompt("Enter password:")
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*resetPasswordEmail, pwd)

	default:
		cli.printUsage()
		return errHelp
	}
}

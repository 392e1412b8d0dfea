package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/trezcool/nexlearn/core/certificate"
)

var (
	errVerificationFailed = errors.New("verification failed")
	errTampered           = errors.New("certificate does not match its fingerprint")
	errNotTamperEvident   = errors.New("weak fingerprint: the certificate cannot be verified")
)

func (cli *commandLine) hash(in certificate.HashInput) error {
	if !in.Type.Valid() {
		return fmt.Errorf("invalid certificate type %q", in.Type)
	}
	fp := cli.certs.Recompute(in)
	fmt.Fprintf(cli.out, "hash: %s\n", fp.Value)
	fmt.Fprintf(cli.out, "strength: %s\n", fp.Strength)
	fmt.Fprintf(cli.out, "registration number: %s\n", certificate.RegistrationNumber(fp.Value))
	return nil
}

func (cli *commandLine) verify(idOrHash string) error {
	v := cli.certs.Verify(context.Background(), idOrHash)
	if v.Record != nil {
		rec := v.Record
		fmt.Fprintf(cli.out, "%s (%s)\n", v.Status, v.Source)
		fmt.Fprintf(cli.out, "  recipient: %s\n", rec.Recipient)
		fmt.Fprintf(cli.out, "  title: %s\n", rec.Title)
		fmt.Fprintf(cli.out, "  issued: %s\n", rec.Issued)
		fmt.Fprintf(cli.out, "  registration number: %s\n", rec.RegistrationNumber())
	}

	switch v.Status {
	case certificate.StatusValid:
		return nil
	case certificate.StatusWeak:
		return errNotTamperEvident
	case certificate.StatusTampered:
		return errTampered
	case certificate.StatusNotFound:
		return certificate.ErrNotFound
	default:
		return fmt.Errorf("%w: %s", errVerificationFailed, v.Error)
	}
}

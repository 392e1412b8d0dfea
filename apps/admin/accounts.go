package main

import (
	"context"
	"fmt"

	"github.com/trezcool/nexlearn/services/supabase"
)

func (cli *commandLine) storeToken(token string) error {
	if err := cli.kv.Set(context.Background(), supabase.AccessTokenKey, token); err != nil {
		return err
	}
	fmt.Fprintln(cli.out, "access token stored")
	return nil
}

func (cli *commandLine) resetPassword(email, pwd string) error {
	if err := cli.accounts.SetPassword(context.Background(), email, pwd); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "password of %s reset\n", email)
	return nil
}

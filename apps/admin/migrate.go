package main

import (
	"errors"

	"github.com/trezcool/nexlearn/storage/database"
)

var (
	gooseRunFunc = database.Run // mockable

	errNoLocalDB = errors.New("migrations require the sqlite storage engine")
)

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoLocalDB
	}
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, arguments...)
}

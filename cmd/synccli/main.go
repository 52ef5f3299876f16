package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Demo DemoCmd `cmd:"" help:"Open a client against an in-process loopback room and insert a sample row."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "rigsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `rigsrv supervises the motion rig's motor controller boards and exposes
WebSocket and HTTP interfaces to them, so any dashboard with a decent
HTTP library can drive the rig.

Usage:
	rigsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `rigsrv is amenable to configuration via its .yml file.  For a primer on
YAML, see https://yaml.org/start.html

Without a configuration the server listens at :8000 with the conservative
control constants.

Endpoints:
	/ws/control                        inbound control actions (JSON)
	/ws/state                          connection state push feed
	/connections                       GET all records
	/connections/{port}/position       POST {"position": "left"|"right"}
	/connections/{port}                DELETE to disconnect
	/available-ports                   GET discoverable boards

Control constants (DeadbandFine, DeadbandCoarse, ReversalPauseSecs) vary
per hardware profile; the defaults match the stock rig.`
	fmt.Println(str)
}

func mkconf() {
	c := defaultConfig()
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := defaultConfig()
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("rigsrv version %v\n", Version)
}

func run() {
	c := defaultConfig()
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	handler, _ := BuildHandler(c)
	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, handler))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}

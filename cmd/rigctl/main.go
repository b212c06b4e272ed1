// Command rigctl is an interactive serial console for a single motor
// controller board: pick a port, then type "speed,angle" commands at it.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/shemas2015/simulator-v4/comm"
)

func main() {
	var (
		port = flag.String("port", "", "serial port (e.g. COM3, /dev/ttyUSB0); empty prompts a selection")
		baud = flag.Int("baud", comm.DefaultBaud, "serial baud rate")
	)
	flag.Parse()

	addr := *port
	if addr == "" {
		var err error
		addr, err = selectPort()
		if err != nil {
			log.Fatal(err)
		}
		if addr == "" {
			return
		}
	}

	link := comm.NewLink(addr, *baud)
	if err := connect(link); err != nil {
		log.Fatal(err)
	}
	defer link.Close()

	interactive(link)
}

// selectPort lists discoverable boards and prompts for one.
func selectPort() (string, error) {
	ports, err := comm.ListPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no USB/serial devices found, is the board plugged in?")
	}
	fmt.Println("Available USB/serial devices:")
	for i, p := range ports {
		fmt.Printf("%d. %s - %s\n", i+1, p.Device, p.Description)
	}
	fmt.Print("Select device number (or q to quit): ")
	var choice string
	fmt.Scanln(&choice)
	if strings.EqualFold(choice, "q") {
		return "", nil
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(ports) {
		return "", fmt.Errorf("invalid selection %q", choice)
	}
	return ports[idx-1].Device, nil
}

// connect opens the link with a spinner over the board-reset wait.
func connect(link *comm.Link) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " connecting to " + link.Addr,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopFailMessage: "connection failed",
	})
	if err != nil {
		// cosmetic only; connect without it
		return link.Open()
	}
	spinner.Start()
	if err := link.Open(); err != nil {
		spinner.StopFail()
		return err
	}
	spinner.Stop()
	return nil
}

func interactive(link *comm.Link) {
	fmt.Println(`Enter commands as: speed,angle (e.g. 100,90)
Also: f | b (jog), test (sweep), status, quit`)
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch strings.ToLower(line) {
		case "quit", "exit", "q":
			return
		case "status":
			fmt.Printf("port: %s  baud: %d  connected: %v\n", link.Addr, link.Baud, link.Connected())
		case "f", "b":
			if err := link.Jog(strings.ToLower(line)); err != nil {
				fmt.Println("jog failed:", err)
			}
		case "test":
			if err := sweep(link); err != nil {
				fmt.Println("sweep failed:", err)
			}
		case "":
		default:
			if err := sendDrive(link, line); err != nil {
				fmt.Println(err)
			}
		}
		fmt.Print("> ")
	}
}

// sweep drives the actuator through a short range check around center.
func sweep(link *comm.Link) error {
	for _, angle := range []float64{60, 120, 90} {
		fmt.Printf("sweep -> %.0f\n", angle)
		if err := link.Drive(100, angle); err != nil {
			return err
		}
		time.Sleep(1 * time.Second)
	}
	return nil
}

func sendDrive(link *comm.Link, line string) error {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return fmt.Errorf("invalid format, use speed,angle (e.g. 100,90)")
	}
	speed, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || speed < 0 || speed > 255 {
		return fmt.Errorf("invalid speed %q, must be 0~255", parts[0])
	}
	angle, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || angle < 0 || angle > 180 {
		return fmt.Errorf("invalid angle %q, must be 0~180", parts[1])
	}
	return link.Drive(speed, angle)
}

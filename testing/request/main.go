package main

import (
	"fmt"
	"net"
	"os"

	"github.com/edgelesssys/go-igvm-agent/response"
	"github.com/edgelesssys/go-igvm-agent/server"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <socket> <report>\n", os.Args[0])
		os.Exit(2)
	}
	if err := sendRequest(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func sendRequest(socket, reportPath string) error {
	rawReport, err := os.ReadFile(reportPath)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := server.WriteFrame(conn, server.NewFrame("testing", rawReport, server.MaxResponseSize)); err != nil {
		return err
	}
	status, data, err := server.ReadResponse(conn)
	if err != nil {
		return err
	}
	fmt.Printf("Status: %s, %d bytes\n", status, len(data))
	if status != server.StatusOK || len(data) == 0 {
		return nil
	}

	header, err := response.ParseHeader(data)
	if err != nil {
		return err
	}
	fmt.Printf("Header:\n%+v\n", header)
	fmt.Printf("Released key: %x\n", header.ReleasedKey(data))
	return nil
}

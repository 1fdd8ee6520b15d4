// Command brokerctl is a small HTTP client for manually exercising a
// running brokerd: produce, fetch, and commit against one channel.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl:", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "http://localhost:8080", "brokerd base URL")
	channel := flag.String("channel", "", "channel id")
	command := flag.String("cmd", "", "produce | fetch | commit")
	message := flag.String("message", "", "message body for produce")
	offset := flag.Uint64("offset", 0, "start offset for fetch")
	batch := flag.Int("batch", 10, "batch size for fetch")
	create := flag.Bool("create", false, "create the channel if missing (produce only)")
	flag.Parse()

	if *channel == "" || *command == "" {
		return fmt.Errorf("-channel and -cmd are required")
	}

	client := &http.Client{}

	switch *command {
	case "produce":
		return produce(client, *addr, *channel, *message, *create)
	case "fetch":
		return fetch(client, *addr, *channel, *offset, *batch)
	case "commit":
		return commit(client, *addr, *channel)
	default:
		return fmt.Errorf("unknown command %q", *command)
	}
}

func produce(client *http.Client, addr, channel, message string, create bool) error {
	body, err := json.Marshal(struct {
		Message []byte `json:"message"`
	}{Message: []byte(message)})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/channel/%s", addr, url.PathEscape(channel))
	if create {
		u += "?create=true"
	}

	resp, err := client.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func fetch(client *http.Client, addr, channel string, offset uint64, batch int) error {
	u := fmt.Sprintf("%s/channel/%s?offset=%s&batch=%s",
		addr, url.PathEscape(channel), strconv.FormatUint(offset, 10), strconv.Itoa(batch))

	resp, err := client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func commit(client *http.Client, addr, channel string) error {
	u := fmt.Sprintf("%s/channel/%s/commit", addr, url.PathEscape(channel))

	resp, err := client.Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker returned %s: %s", resp.Status, data)
	}
	fmt.Println(string(data))
	return nil
}

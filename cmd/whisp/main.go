// Command whisp is a terminal client for the whisp messaging core,
// talking to peers through a websocket relay.
//
// Configuration comes from flags or a .env file:
//
//	WHISP_RELAY_URL    ws://host:port/ws
//	WHISP_PEER_ID      transport session identifier
//	WHISP_DISPLAY_NAME human label exchanged during handshake
//	WHISP_DATA_DIR     keystore and state directory
//	WHISP_PASSWORD     keystore master password
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whisp-im/whisp"
	"github.com/whisp-im/whisp/delivery"
	"github.com/whisp-im/whisp/keyexchange"
	"github.com/whisp-im/whisp/keystore"
	"github.com/whisp-im/whisp/storage"
	"github.com/whisp-im/whisp/transport/ws"
)

var (
	relayURL    string
	peerID      string
	displayName string
	dataDir     string
	password    string
	verbose     bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "whisp",
		Short: "End-to-end encrypted messaging client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing .env is fine; flags and the environment win.
			_ = godotenv.Load()
			applyEnvDefaults()
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&relayURL, "relay", "", "websocket relay URL")
	root.PersistentFlags().StringVar(&peerID, "peer-id", "", "local peer session id")
	root.PersistentFlags().StringVar(&displayName, "name", "", "display name")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory")
	root.PersistentFlags().StringVar(&password, "password", "", "keystore master password")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(keygenCmd(), chatCmd())
	return root
}

func applyEnvDefaults() {
	setFromEnv(&relayURL, "WHISP_RELAY_URL")
	setFromEnv(&peerID, "WHISP_PEER_ID")
	setFromEnv(&displayName, "WHISP_DISPLAY_NAME")
	setFromEnv(&dataDir, "WHISP_DATA_DIR")
	setFromEnv(&password, "WHISP_PASSWORD")
}

func setFromEnv(dst *string, key string) {
	if *dst == "" {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".whisp"
	}
	return home + "/.whisp"
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) the local key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("a keystore password is required")
			}
			keys, err := keystore.OpenEncrypted(dataDir, []byte(password))
			if err != nil {
				return err
			}
			defer keys.Close()

			public := keys.LocalKeyPair().Public
			fmt.Printf("public key: %s\n", hex.EncodeToString(public[:]))
			fmt.Printf("data dir:   %s\n", dataDir)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Connect to the relay and chat interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case relayURL == "":
				return fmt.Errorf("a relay URL is required")
			case peerID == "":
				return fmt.Errorf("a peer id is required")
			case password == "":
				return fmt.Errorf("a keystore password is required")
			}

			keys, err := keystore.OpenEncrypted(dataDir, []byte(password))
			if err != nil {
				return err
			}
			defer keys.Close()

			store, err := storage.NewFileStore(dataDir + "/state")
			if err != nil {
				return err
			}

			tr, err := ws.Dial(relayURL, peerID)
			if err != nil {
				return err
			}

			options := whisp.NewOptions()
			options.LocalPeerID = peerID
			options.DisplayName = displayName
			options.Keys = keys
			options.Store = store

			client, err := whisp.New(tr, options)
			if err != nil {
				return err
			}
			defer client.Kill()

			client.SetPresence(true)
			return runShell(client)
		},
	}
}

func runShell(client *whisp.Client) error {
	client.OnFriendRequest(func(req *keyexchange.Request) {
		fmt.Printf("\n* friend request %s from %s: %q\n", req.ID, req.FromPeerID, req.Phrase)
		fmt.Printf("  /accept %s  or  /decline %s\n> ", req.ID, req.ID)
	})
	client.OnConversationEstablished(func(conversationID, peerID string) {
		fmt.Printf("\n* conversation with %s is ready\n> ", peerID)
		client.Subscribe(conversationID, delivery.Observer{
			OnMessage: func(msg *delivery.Message) {
				fmt.Printf("\n<%s> %s\n> ", msg.SenderID, msg.Body)
			},
			OnStateChange: func(messageID string, state delivery.State) {
				fmt.Printf("\n* message %s is %s\n> ", shortID(messageID), state)
			},
		})
	})
	client.OnTyping(func(peerID string, isTyping bool) {
		if isTyping {
			fmt.Printf("\n* %s is typing...\n> ", peerID)
		}
	})
	client.OnPresence(func(peerID string, isOnline bool) {
		state := "offline"
		if isOnline {
			state = "online"
		}
		fmt.Printf("\n* %s is %s\n> ", peerID, state)
	})

	fmt.Println("commands: /add <peer> <phrase>, /accept <id>, /decline <id>,")
	fmt.Println("          /msg <peer> <text>, /read <peer>, /requests, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if done := dispatch(client, strings.TrimSpace(scanner.Text())); done {
			return nil
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func dispatch(client *whisp.Client, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	var err error
	switch cmd {
	case "/quit":
		return true
	case "/add":
		if len(rest) < 1 {
			err = fmt.Errorf("usage: /add <peer> [phrase]")
			break
		}
		var id string
		id, err = client.SendFriendRequest(rest[0], strings.Join(rest[1:], " "))
		if err == nil {
			fmt.Printf("request %s sent\n", id)
		}
	case "/accept":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: /accept <id>")
			break
		}
		err = client.AcceptFriendRequest(rest[0])
	case "/decline":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: /decline <id>")
			break
		}
		err = client.DeclineFriendRequest(rest[0], "declined")
	case "/msg":
		if len(rest) < 2 {
			err = fmt.Errorf("usage: /msg <peer> <text>")
			break
		}
		client.SetTyping(client.ConversationID(rest[0]), false)
		var id string
		id, err = client.SendMessage(rest[0], strings.Join(rest[1:], " "))
		if err == nil {
			fmt.Printf("message %s queued\n", shortID(id))
		}
	case "/read":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: /read <peer>")
			break
		}
		err = client.MarkConversationRead(client.ConversationID(rest[0]))
	case "/requests":
		for _, req := range client.FriendRequests() {
			fmt.Printf("  %s  %s -> %s  [%s]\n", req.ID, req.FromPeerID, req.ToPeerID, req.Status)
		}
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

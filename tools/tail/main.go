package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/devaloi/chatkit/internal/config"
	"github.com/devaloi/chatkit/internal/domain"
	"github.com/devaloi/chatkit/internal/provider"
	"github.com/devaloi/chatkit/internal/store"
	"github.com/devaloi/chatkit/internal/transport"
	"github.com/devaloi/chatkit/internal/view"
)

// printer dumps room activity to stdout as it happens.
type printer struct {
	room *provider.Room
}

func (pr *printer) DidReceiveMessages(r view.Range) {
	for i := r.Start; i < r.End; i++ {
		if m, ok := pr.room.Message(i); ok {
			fmt.Printf("[%d] <%s> %s\n", i, m.Sender.Name, m.Text())
		}
	}
}

func (pr *printer) DidUpdateMessage(index int, previous domain.Message) {
	if m, ok := pr.room.Message(index); ok {
		fmt.Printf("[%d] <%s> %s (edited)\n", index, m.Sender.Name, m.Text())
	}
}

func (pr *printer) DidRemoveMessage(index int, previous domain.Message) {
	fmt.Printf("[%d] <%s> message deleted\n", index, previous.Sender.Name)
}

func (pr *printer) UserDidStartTyping(user domain.User) {
	fmt.Printf("* %s is typing...\n", user.Name)
}

func (pr *printer) UserDidStopTyping(user domain.User) {
	fmt.Printf("* %s stopped typing\n", user.Name)
}

func main() {
	defaults := config.Load()
	server := flag.String("server", defaults.ServerURL, "Chat server base URL")
	user := flag.String("user", defaults.UserID, "User ID to connect as")
	room := flag.String("room", "general", "Room to tail")
	dbPath := flag.String("db", defaults.DBPath, "Path to the local cache database")
	pageSize := flag.Int("page", defaults.PageSize, "Messages per historical page")
	flag.Parse()

	st, err := store.NewSQLite(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	tr := transport.NewWS(*server, *user)
	p, err := provider.NewRoom(*room, st, tr, provider.Options{InitialPageSize: *pageSize})
	if err != nil {
		log.Fatalf("open room: %v", err)
	}
	defer p.Close()

	token := p.AddObserver(&printer{room: p})
	defer p.RemoveObserver(token)

	log.Printf("Tailing room %q as %s (commands: older, typing, done, status, quit)", *room, *user)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch scanner.Text() {
		case "older":
			p.FetchOlderMessages(*pageSize, func(err error) {
				if err != nil {
					log.Printf("fetch older: %v", err)
					return
				}
				log.Printf("fetched, %d messages cached", p.NumberOfMessages())
			})
		case "typing":
			if err := p.StartTyping(); err != nil {
				log.Printf("start typing: %v", err)
			}
		case "done":
			if err := p.StopTyping(); err != nil {
				log.Printf("stop typing: %v", err)
			}
		case "status":
			log.Printf("feed=%s history=%s messages=%d typing=%d",
				p.RealTimeState(), p.PagedState(), p.NumberOfMessages(), len(p.TypingUsers()))
		case "quit":
			return
		default:
			log.Printf("unknown command %q", scanner.Text())
		}
	}
}

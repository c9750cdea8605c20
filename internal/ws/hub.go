// Package ws fans deploy progress out to websocket subscribers.
package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// AllRepositories subscribes a client to every repository's stream.
const AllRepositories = "*"

// Hub manages stream subscriptions by repository name.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
}

type message struct {
	repository string
	payload    []byte
}

type subscription struct {
	repository string
	client     Subscriber
}

// NewHub creates an initialized Hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.repository]; !ok {
				h.clients[sub.repository] = make(map[Subscriber]struct{})
			}
			h.clients[sub.repository][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.repository, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.repository, msg.payload)
			if msg.repository != AllRepositories {
				h.deliver(AllRepositories, msg.payload)
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) deliver(repository string, payload []byte) {
	clients, ok := h.clients[repository]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, repository)
	}
}

func (h *Hub) remove(repository string, client Subscriber) {
	if clients, ok := h.clients[repository]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, repository)
		}
	}
}

// Register adds a client to a repository stream. Use AllRepositories to
// receive every event.
func (h *Hub) Register(repository string, client Subscriber) {
	select {
	case h.register <- subscription{repository: repository, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(repository string, client Subscriber) {
	select {
	case h.unreg <- subscription{repository: repository, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the repository's clients and to clients
// subscribed to every repository.
func (h *Hub) Broadcast(repository string, payload []byte) {
	select {
	case h.broadcast <- message{repository: repository, payload: payload}:
	case <-h.done:
	}
}

// Subscribers returns the number of registered clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

package notify

import (
	"fmt"
	"log"
	"sync"
)

const appName = "NoteHub"

type message struct {
	to      string
	subject string
	html    string
}

// Dispatcher queues notification emails and delivers them from a single
// background worker. Enqueue never blocks: when the queue is full the
// event is dropped with a log line. Callers get no delivery status.
type Dispatcher struct {
	mailer Mailer
	queue  chan message
	wg     sync.WaitGroup
	once   sync.Once
}

func NewDispatcher(mailer Mailer, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		mailer: mailer,
		queue:  make(chan message, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		if err := d.mailer.SendHTML([]string{msg.to}, msg.subject, msg.html); err != nil {
			log.Printf("notify: send %q to %s failed: %v", msg.subject, msg.to, err)
		}
	}
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(msg message) {
	select {
	case d.queue <- msg:
	default:
		log.Printf("notify: queue full, dropping %q to %s", msg.subject, msg.to)
	}
}

type verificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

func (d *Dispatcher) EnqueueVerification(to, userName, verificationURL string) {
	html, err := renderTemplate(verificationEmailTemplate, verificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		log.Printf("notify: render verification email: %v", err)
		return
	}
	d.enqueue(message{to: to, subject: "Verify your NoteHub account", html: html})
}

type changeRequestData struct {
	AppName       string
	Subject       string
	Headline      string
	UserName      string
	Body          string
	Comment       string
	NotebookTitle string
}

// RequestEvent carries everything the templates need; the service layer
// resolves IDs to names and emails before enqueueing.
type RequestEvent struct {
	RecipientEmail string
	RecipientName  string
	ActorName      string
	NotebookTitle  string
	Comment        string
}

func (d *Dispatcher) EnqueueRequestCreated(ev RequestEvent) {
	d.enqueueRequest(ev,
		"New change request on "+ev.NotebookTitle,
		"A change request needs your review",
		fmt.Sprintf("%s proposed changes to your notebook %q.", ev.ActorName, ev.NotebookTitle))
}

func (d *Dispatcher) EnqueueRequestAccepted(ev RequestEvent) {
	d.enqueueRequest(ev,
		"Your change request was accepted",
		"Change request accepted",
		fmt.Sprintf("%s accepted your change request on %q.", ev.ActorName, ev.NotebookTitle))
}

func (d *Dispatcher) EnqueueRequestDeclined(ev RequestEvent) {
	d.enqueueRequest(ev,
		"Your change request was declined",
		"Change request declined",
		fmt.Sprintf("%s declined your change request on %q.", ev.ActorName, ev.NotebookTitle))
}

func (d *Dispatcher) EnqueueRequestCanceled(ev RequestEvent) {
	d.enqueueRequest(ev,
		"A change request was canceled",
		"Change request canceled",
		fmt.Sprintf("%s canceled their change request on %q.", ev.ActorName, ev.NotebookTitle))
}

func (d *Dispatcher) enqueueRequest(ev RequestEvent, subject, headline, body string) {
	html, err := renderTemplate(changeRequestEmailTemplate, changeRequestData{
		AppName:       appName,
		Subject:       subject,
		Headline:      headline,
		UserName:      ev.RecipientName,
		Body:          body,
		Comment:       ev.Comment,
		NotebookTitle: ev.NotebookTitle,
	})
	if err != nil {
		log.Printf("notify: render change request email: %v", err)
		return
	}
	d.enqueue(message{to: ev.RecipientEmail, subject: subject, html: html})
}

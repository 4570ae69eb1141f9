// Command seed publishes one job to the request queue and waits for
// its report, exercising the full queue and storage path end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/solvia/executor/internal/config"
	"github.com/solvia/executor/internal/files"
	"github.com/solvia/executor/internal/repository/models"
)

const sampleSource = `print(input() + " from sandbox")`

func failOnError(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %s", msg, err)
	}
}

func main() {
	var (
		lang     = flag.String("lang", "python", "language of the job")
		srcPath  = flag.String("file", "", "source file, the built-in sample when empty")
		useStore = flag.Bool("store", false, "upload payloads to object storage and reference them by key")
		wait     = flag.Duration("wait", time.Minute, "how long to wait for the report")
	)
	flag.Parse()

	cfg, err := config.NewConfig()
	failOnError(err, "load config")

	source := sampleSource
	if *srcPath != "" {
		data, err := os.ReadFile(*srcPath)
		failOnError(err, "read source")
		source = string(data)
	}
	inputs := flag.Args()
	if len(inputs) == 0 {
		inputs = []string{"hello"}
	}

	job := &models.ExecutionJob{Id: uuid.NewString(), Language: *lang}
	if *useStore {
		storage, err := files.NewFileStorage(files.Config{
			Url:      cfg.MinIOHost,
			Login:    cfg.MinIOLogin,
			Password: cfg.MinIOPassword,
			Bucket:   cfg.MinIOBucket,
		})
		failOnError(err, "connect storage")

		ctx := context.Background()
		key := fmt.Sprintf("seed/%s/source.zst", job.Id)
		failOnError(storage.PutPayload(ctx, key, []byte(source)), "upload source")
		job.SourceKey = key
		for i, in := range inputs {
			k := fmt.Sprintf("seed/%s/input-%d.zst", job.Id, i)
			failOnError(storage.PutPayload(ctx, k, []byte(in)), "upload input")
			job.InputKeys = append(job.InputKeys, k)
		}
	} else {
		job.Source = source
		job.Inputs = inputs
	}

	url := fmt.Sprintf("amqp://%s:%s@%s:%d", cfg.RabbitMQUser, cfg.RabbitMQPassword, cfg.RabbitMQHost, cfg.RabbitMQPort)
	conn, err := amqp.Dial(url)
	failOnError(err, "connect to broker")
	defer conn.Close()

	ch, err := conn.Channel()
	failOnError(err, "open channel")
	defer ch.Close()

	_, err = ch.QueueDeclare(cfg.RequestQueue, true, false, false, false, nil)
	failOnError(err, "declare request queue")
	_, err = ch.QueueDeclare(cfg.ResponseQueue, true, false, false, false, nil)
	failOnError(err, "declare response queue")

	reports, err := ch.Consume(cfg.ResponseQueue, "", true, false, false, false, nil)
	failOnError(err, "consume responses")

	body, err := json.Marshal(job)
	failOnError(err, "encode job")
	err = ch.PublishWithContext(context.Background(), "", cfg.RequestQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.Id,
		Body:         body,
	})
	failOnError(err, "publish job")
	log.Printf("job %s published, waiting for its report", job.Id)

	deadline := time.After(*wait)
	for {
		select {
		case d := <-reports:
			var report models.ExecutionReport
			if err := json.Unmarshal(d.Body, &report); err != nil || report.Id != job.Id {
				continue
			}
			out, err := json.MarshalIndent(report, "", "  ")
			failOnError(err, "render report")
			fmt.Println(string(out))
			return
		case <-deadline:
			log.Fatal("no report within the wait window")
		}
	}
}

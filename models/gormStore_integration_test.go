package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func TestGormStore_ReconciliationAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "revenue_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	store := models.NewGormStore(db)
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	if err := db.Create(&[]models.Forma{{FormCode: "F1", DisplayName: "Form One"}, {FormCode: "F2", DisplayName: "Form Two"}}).Error; err != nil {
		t.Fatalf("seed formas: %v", err)
	}
	code := models.CodigoPresupuestario{Code: "1.1.2.01", Designation: "Impuesto sobre la renta"}
	if err := db.Create(&code).Error; err != nil {
		t.Fatalf("seed budget code: %v", err)
	}
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	planillas := []models.Planilla{
		{FormCode: "F1", TotalAmount: decimal.RequireFromString("100.00"), TransactionDate: date},
		{FormCode: "F1", TotalAmount: decimal.RequireFromString("250.50"), TransactionDate: date},
		{FormCode: "F1", TotalAmount: decimal.RequireFromString("0.01"), TransactionDate: date},
		{FormCode: "F2", TotalAmount: decimal.RequireFromString("75.25"), TransactionDate: date},
	}
	if err := db.Create(&planillas).Error; err != nil {
		t.Fatalf("seed planillas: %v", err)
	}

	if err := store.RecordProjectionRefreshFailure(ctx, time.Now().UTC(), errors.New("first rebuild failed")); err != nil {
		t.Fatalf("RecordProjectionRefreshFailure: %v", err)
	}
	failed, err := store.GetProjectionRefreshStates(ctx)
	if err != nil {
		t.Fatalf("GetProjectionRefreshStates: %v", err)
	}
	if len(failed) != 2 || failed[0].LastError == nil || !failed[0].RefreshedAt.IsZero() {
		t.Fatalf("states after a failure before any rebuild = %+v", failed)
	}

	refresher := workflow.NewProjectionRefreshService(store, config.GetRedisLock(), logger)
	states, err := refresher.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(states) != 2 || states[0].RowCount != 4 || states[0].LastError != nil {
		t.Fatalf("states = %+v, want pending_work with 4 rows", states)
	}

	refs, err := store.ListOutstanding(ctx, "F1")
	if err != nil {
		t.Fatalf("ListOutstanding: %v", err)
	}
	if len(refs) != 3 || refs[0].PlanillaId != planillas[1].ID || refs[2].PlanillaId != planillas[2].ID {
		t.Fatalf("outstanding F1 = %+v, want amount DESC", refs)
	}

	t.Run("concurrent classification of one planilla writes a single concept", func(t *testing.T) {
		target := planillas[3]
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.Transaction(ctx, func(tx models.ReconciliationStore) error {
					p, err := tx.LockPlanilla(ctx, target.ID)
					if err != nil {
						return err
					}
					n, err := tx.CountConceptos(ctx, target.ID)
					if err != nil {
						return err
					}
					if n > 0 {
						return workflow.ErrAlreadyClassified
					}
					_, err = workflow.CreateConcept(ctx, tx, target.ID, code.ID, p.TotalAmount)
					return err
				})
			}(i)
		}
		wg.Wait()

		skipped := 0
		for _, err := range errs {
			if errors.Is(err, workflow.ErrAlreadyClassified) {
				skipped++
			} else if err != nil {
				t.Fatalf("transaction: %v", err)
			}
		}
		n, err := store.CountConceptos(ctx, target.ID)
		if err != nil {
			t.Fatalf("CountConceptos: %v", err)
		}
		if n != 1 || skipped != 1 {
			t.Fatalf("concepts = %d skipped = %d, want 1 and 1", n, skipped)
		}
	})

	t.Run("batch validates every F1 planilla and refresh drops them", func(t *testing.T) {
		orchestrator := workflow.NewOrchestrator(store, refresher, logger)
		res, err := orchestrator.ProcessBatch(ctx, []workflow.Vinculacion{{FormCode: "F1", BudgetCodeId: code.ID}})
		if err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if res.Processed != 3 || res.ConceptsCreated != 3 || res.Validated != 3 || len(res.Errors) != 0 {
			t.Fatalf("result = %+v", res)
		}
		for _, p := range planillas[:3] {
			got, err := store.GetPlanilla(ctx, p.ID)
			if err != nil {
				t.Fatalf("GetPlanilla: %v", err)
			}
			if !got.IsValidated {
				t.Fatalf("planilla %d not validated", p.ID)
			}
		}
		refs, err := store.ListOutstanding(ctx, "F1")
		if err != nil {
			t.Fatalf("ListOutstanding: %v", err)
		}
		if len(refs) != 0 {
			t.Fatalf("F1 still outstanding after refresh: %+v", refs)
		}
	})

	t.Run("unknown budget code is rejected by the foreign key", func(t *testing.T) {
		extra := models.Planilla{FormCode: "F2", TotalAmount: decimal.RequireFromString("10"), TransactionDate: date}
		if err := db.Create(&extra).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
		err := store.InsertConcepto(ctx, &models.Concepto{PlanillaId: extra.ID, BudgetCodeId: 999999, Amount: extra.TotalAmount})
		if err == nil {
			t.Fatalf("expected foreign key error")
		}
		if msg := models.DescribeWriteError(err); !strings.Contains(msg, "does not exist") {
			t.Fatalf("DescribeWriteError = %q", msg)
		}
	})
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("revenue-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("revenue-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=revenue_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// e.g. "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}

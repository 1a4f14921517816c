package mock

//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/repository.Repository -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/repository.VectorIndex -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/repository/object.Storage -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/embedding.Provider -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/audit.Sink -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/alert.Notifier -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/outbox.Dispatcher -o ./ -s "_mock.gen.go"
//go:generate minimock -g -i github.com/instill-ai/ingestion-backend/pkg/service.Service -o ./ -s "_mock.gen.go"

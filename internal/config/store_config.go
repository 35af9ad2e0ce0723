package config

type Store struct {
	Path   string `env:"RIDER_STORE_PATH"   envDefault:"./data/credentials.db"`
	Secret string `env:"RIDER_STORE_SECRET"`
}

var _ StoreConfig = Store{}

func (s Store) GetStorePath() string {
	return s.Path
}

func (s Store) GetStoreSecret() string {
	return s.Secret
}
